package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/Cypherspark/future-self/internal/core"
)

// SESAPI is the subset of the SES v2 client the dispatcher needs.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// RecipientLookup resolves the owner's email address.
type RecipientLookup func(ctx context.Context, ownerID string) (string, error)

// SESDispatcher notifies the owner by email that a message has arrived.
// The content itself is not sent; the email points the user back to the app.
type SESDispatcher struct {
	client    SESAPI
	fromEmail string
	appURL    string
	lookup    RecipientLookup
}

func NewSESDispatcher(cfg aws.Config, fromEmail, appURL string, lookup RecipientLookup) (*SESDispatcher, error) {
	if fromEmail == "" {
		return nil, fmt.Errorf("ses: from email is not set")
	}
	return NewSESDispatcherWithClient(sesv2.NewFromConfig(cfg), fromEmail, appURL, lookup), nil
}

func NewSESDispatcherWithClient(client SESAPI, fromEmail, appURL string, lookup RecipientLookup) *SESDispatcher {
	return &SESDispatcher{client: client, fromEmail: fromEmail, appURL: appURL, lookup: lookup}
}

func (s *SESDispatcher) Deliver(ctx context.Context, m core.Message) error {
	to, err := s.recipient(ctx, m.OwnerID)
	if err != nil {
		return err
	}
	subject := "A message from your past self has arrived"
	body := fmt.Sprintf("You wrote yourself a message on %s and it is ready to read.\n\n%s/messages/%s\n",
		m.CreatedAt.Format("January 2, 2006"), s.appURL, m.ID)
	return s.send(ctx, to, subject, body)
}

// Remind sends the daily digest for delivered messages still waiting to be read.
func (s *SESDispatcher) Remind(ctx context.Context, ownerID string, unread []core.Message) error {
	if len(unread) == 0 {
		return nil
	}
	to, err := s.recipient(ctx, ownerID)
	if err != nil {
		return err
	}
	noun := "message"
	if len(unread) != 1 {
		noun = "messages"
	}
	subject := fmt.Sprintf("You have %d %s waiting", len(unread), noun)
	body := fmt.Sprintf("You have %d %s from your past self ready to be opened.\n\n%s/messages\n",
		len(unread), noun, s.appURL)
	return s.send(ctx, to, subject, body)
}

func (s *SESDispatcher) recipient(ctx context.Context, ownerID string) (string, error) {
	to, err := s.lookup(ctx, ownerID)
	if errors.Is(err, core.ErrNotFound) {
		return "", Permanent(fmt.Errorf("owner %s has no account", ownerID))
	}
	if err != nil {
		return "", fmt.Errorf("lookup recipient: %w", err)
	}
	if to == "" {
		return "", Permanent(fmt.Errorf("owner %s has no email address", ownerID))
	}
	return to, nil
}

func (s *SESDispatcher) send(ctx context.Context, to, subject, body string) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	return classifySESError(err)
}

// Rejections and account-level blocks will not succeed on retry.
func classifySESError(err error) error {
	if err == nil {
		return nil
	}
	var rejected *types.MessageRejected
	var suspended *types.AccountSuspendedException
	var notVerified *types.MailFromDomainNotVerifiedException
	var bad *types.BadRequestException
	if errors.As(err, &rejected) || errors.As(err, &suspended) || errors.As(err, &notVerified) || errors.As(err, &bad) {
		return Permanent(err)
	}
	return err
}
