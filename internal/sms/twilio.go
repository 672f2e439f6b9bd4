// Package sms sends alert text messages through Twilio's Messages API.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/nugget/relayalert/internal/alert"
	"github.com/nugget/relayalert/internal/config"
)

// ErrNotConfigured is returned by Notify when credentials or phone
// numbers are missing from the configuration.
var ErrNotConfigured = errors.New("twilio is not configured")

// messageCreator is the subset of the Twilio API service used here.
// *openapi.ApiService satisfies it; tests substitute a fake.
type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// Twilio implements [alert.Notifier].
type Twilio struct {
	api        messageCreator
	configured bool
	logger     *slog.Logger
}

// New creates a Twilio notifier from explicit credentials. httpClient
// carries the timeouts for each API call and may be nil to use the SDK
// default. Missing credentials are logged once here; every later Notify
// returns [ErrNotConfigured].
func New(cfg config.TwilioConfig, httpClient *http.Client, logger *slog.Logger) *Twilio {
	if logger == nil {
		logger = slog.Default()
	}

	params := twilio.ClientParams{
		Username:   cfg.AccountSID,
		Password:   cfg.AuthToken,
		AccountSid: cfg.AccountSID,
	}
	if httpClient != nil {
		base := &twclient.Client{
			Credentials: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
			HTTPClient:  httpClient,
		}
		base.SetAccountSid(cfg.AccountSID)
		params.Client = base
	}

	t := &Twilio{
		api:        twilio.NewRestClientWithParams(params).Api,
		configured: cfg.Configured(),
		logger:     logger,
	}
	if !t.configured {
		logger.Warn("twilio credentials incomplete, alerts will not be sent",
			"has_account_sid", cfg.AccountSID != "",
			"has_auth_token", cfg.AuthToken != "",
			"has_from", cfg.From != "",
			"has_to", cfg.To != "",
		)
	}
	return t
}

// Notify sends a as a single SMS. It does not retry. The Twilio SDK
// has no context support, so cancellation of ctx abandons the wait but
// not the in-flight request; the HTTP client timeout bounds that.
func (t *Twilio) Notify(ctx context.Context, a alert.Alert) (string, error) {
	if !t.configured {
		return "", ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &openapi.CreateMessageParams{}
	params.SetFrom(a.From)
	params.SetTo(a.To)
	params.SetBody(a.Body)

	type result struct {
		msg *openapi.ApiV2010Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := t.api.CreateMessage(params)
		done <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("send sms: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return "", describeError(r.err)
		}
		sid := ""
		if r.msg != nil && r.msg.Sid != nil {
			sid = *r.msg.Sid
		}
		status := ""
		if r.msg != nil && r.msg.Status != nil {
			status = *r.msg.Status
		}
		t.logger.Debug("twilio message created", "sid", sid, "status", status)
		return sid, nil
	}
}

// describeError keeps Twilio's numeric error code visible in the log
// line; "20003" (authentication) and "21211" (invalid To number) are
// the ones operators hit.
func describeError(err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		return fmt.Errorf("send sms: twilio error %d (http %d): %s: %w",
			restErr.Code, restErr.Status, restErr.Message, err)
	}
	return fmt.Errorf("send sms: %w", err)
}
