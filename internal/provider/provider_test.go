package provider_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/future-self/internal/core"
	"github.com/Cypherspark/future-self/internal/memstore"
	"github.com/Cypherspark/future-self/internal/provider"
)

type fakeSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{}, nil
}

func lookup(emails map[string]string) provider.RecipientLookup {
	return func(_ context.Context, owner string) (string, error) {
		e, ok := emails[owner]
		if !ok {
			return "", core.ErrNotFound
		}
		return e, nil
	}
}

func msg(owner string) core.Message {
	return core.Message{ID: "m1", OwnerID: owner, CreatedAt: time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)}
}

func TestPermanentClassification(t *testing.T) {
	base := errors.New("bounced")
	require.True(t, provider.IsPermanent(provider.Permanent(base)))
	require.True(t, provider.IsPermanent(fmt.Errorf("wrapped: %w", provider.Permanent(base))))
	require.ErrorIs(t, provider.Permanent(base), base)
	require.False(t, provider.IsPermanent(base))
	require.NoError(t, provider.Permanent(nil))
}

func TestSESDispatcher_Sends(t *testing.T) {
	ses := &fakeSES{}
	d := provider.NewSESDispatcherWithClient(ses, "noreply@example.com", "https://app.example.com", lookup(map[string]string{"u1": "me@example.com"}))

	require.NoError(t, d.Deliver(context.Background(), msg("u1")))
	require.Equal(t, []string{"me@example.com"}, ses.in.Destination.ToAddresses)
	require.Contains(t, *ses.in.Content.Simple.Body.Text.Data, "https://app.example.com/messages/m1")
	require.Contains(t, *ses.in.Content.Simple.Body.Text.Data, "March 4, 2025")
}

func TestSESDispatcher_Classifies(t *testing.T) {
	emails := map[string]string{"u1": "me@example.com", "u2": ""}

	d := provider.NewSESDispatcherWithClient(&fakeSES{}, "noreply@example.com", "", lookup(emails))
	require.True(t, provider.IsPermanent(d.Deliver(context.Background(), msg("ghost"))))
	require.True(t, provider.IsPermanent(d.Deliver(context.Background(), msg("u2"))))

	rejected := &fakeSES{err: &types.MessageRejected{}}
	d = provider.NewSESDispatcherWithClient(rejected, "noreply@example.com", "", lookup(emails))
	require.True(t, provider.IsPermanent(d.Deliver(context.Background(), msg("u1"))))

	throttled := &fakeSES{err: &types.TooManyRequestsException{}}
	d = provider.NewSESDispatcherWithClient(throttled, "noreply@example.com", "", lookup(emails))
	err := d.Deliver(context.Background(), msg("u1"))
	require.Error(t, err)
	require.False(t, provider.IsPermanent(err))
}

func TestDummy(t *testing.T) {
	d := provider.NewDummy()
	d.Latency = time.Millisecond
	d.FailPercent = 0
	require.NoError(t, d.Deliver(context.Background(), msg("u1")))

	d.FailPercent = 100
	require.Error(t, d.Deliver(context.Background(), msg("u1")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Latency = time.Hour
	require.ErrorIs(t, d.Deliver(ctx, msg("u1")), context.Canceled)
}

func TestSESDispatcher_Remind(t *testing.T) {
	ses := &fakeSES{}
	d := provider.NewSESDispatcherWithClient(ses, "noreply@example.com", "https://app.example.com", lookup(map[string]string{"u1": "me@example.com"}))

	require.NoError(t, d.Remind(context.Background(), "u1", nil))
	require.Nil(t, ses.in)

	require.NoError(t, d.Remind(context.Background(), "u1", []core.Message{msg("u1"), msg("u1")}))
	require.Equal(t, []string{"me@example.com"}, ses.in.Destination.ToAddresses)
	require.Equal(t, "You have 2 messages waiting", *ses.in.Content.Simple.Subject.Data)
	require.Contains(t, *ses.in.Content.Simple.Body.Text.Data, "https://app.example.com/messages")

	require.NoError(t, d.Remind(context.Background(), "u1", []core.Message{msg("u1")}))
	require.Equal(t, "You have 1 message waiting", *ses.in.Content.Simple.Subject.Data)

	require.True(t, provider.IsPermanent(d.Remind(context.Background(), "ghost", []core.Message{msg("ghost")})))
}

func TestDummyRemind(t *testing.T) {
	d := provider.NewDummy()
	d.Latency = time.Millisecond
	d.FailPercent = 0
	var r provider.Reminder = d
	require.NoError(t, r.Remind(context.Background(), "u1", []core.Message{msg("u1")}))
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()
	d, err := provider.FromConfig(ctx, provider.Config{}, nil)
	require.NoError(t, err)
	require.IsType(t, &provider.Dummy{}, d)

	d, err = provider.FromConfig(ctx, provider.Config{Name: "dummy"}, nil)
	require.NoError(t, err)
	require.IsType(t, &provider.Dummy{}, d)

	_, err = provider.FromConfig(ctx, provider.Config{Name: "carrier-pigeon"}, nil)
	require.Error(t, err)
}

func TestUserEmails(t *testing.T) {
	store := memstore.New()
	_, err := store.CreateUser(context.Background(), core.User{ID: "u1", Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)

	resolve := provider.UserEmails(store)
	email, err := resolve(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", email)

	_, err = resolve(context.Background(), "ghost")
	require.ErrorIs(t, err, core.ErrNotFound)
}
