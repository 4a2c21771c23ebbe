package provider

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/Cypherspark/future-self/internal/core"
)

// Config selects and configures a transport.
type Config struct {
	Name      string // dummy | ses
	FromEmail string
	AppURL    string
}

// FromConfig builds the configured transport. SES credentials come from the
// default AWS chain.
func FromConfig(ctx context.Context, cfg Config, lookup RecipientLookup) (Dispatcher, error) {
	switch cfg.Name {
	case "", "dummy":
		return NewDummy(), nil
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		d, err := NewSESDispatcher(awsCfg, cfg.FromEmail, cfg.AppURL, lookup)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown delivery provider %q", cfg.Name)
	}
}

// UserEmails resolves recipients from the store's user records.
func UserEmails(store core.Store) RecipientLookup {
	return func(ctx context.Context, ownerID string) (string, error) {
		u, err := store.GetUser(ctx, ownerID)
		if err != nil {
			return "", err
		}
		return u.Email, nil
	}
}
