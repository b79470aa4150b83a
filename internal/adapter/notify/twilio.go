package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

var ErrNotConfigured = errors.New("notifier not configured")

type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	FromNumber  string
	CountryCode string // prepended to numbers without a leading +, e.g. "+91"
}

// TwilioNotifier sends SMS through the Twilio Messages resource.
type TwilioNotifier struct {
	cfg    TwilioConfig
	client *twilio.RestClient
}

// NewTwilioNotifier builds the REST client over httpClient; nil uses a client with a 10s timeout.
func NewTwilioNotifier(cfg TwilioConfig, httpClient *http.Client) *TwilioNotifier {
	if cfg.CountryCode == "" {
		cfg.CountryCode = "+91"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	base := &twclient.Client{
		Credentials: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  httpClient,
	}
	base.SetAccountSid(cfg.AccountSID)
	return &TwilioNotifier{
		cfg:    cfg,
		client: twilio.NewRestClientWithParams(twilio.ClientParams{Client: base}),
	}
}

func (n *TwilioNotifier) Send(ctx context.Context, destination, message string) error {
	if n.cfg.AccountSID == "" || n.cfg.AuthToken == "" || n.cfg.FromNumber == "" {
		return ErrNotConfigured
	}
	if destination == "" || message == "" {
		return errors.New("phone number and message are required")
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(FormatPhoneNumber(destination, n.cfg.CountryCode))
	params.SetFrom(n.cfg.FromNumber)
	params.SetBody(message)

	// The SDK call takes no context, so the caller's deadline is honoured here.
	done := make(chan error, 1)
	go func() {
		_, err := n.client.Api.CreateMessage(params)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("send sms: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			return nil
		}
		var terr *twclient.TwilioRestError
		if errors.As(err, &terr) {
			return fmt.Errorf("send sms: status %d code %d: %s", terr.Status, terr.Code, terr.Message)
		}
		return fmt.Errorf("send sms: %w", err)
	}
}

// FormatPhoneNumber assumes a local number when there is no leading +.
func FormatPhoneNumber(phone, countryCode string) string {
	phone = strings.TrimSpace(phone)
	if strings.HasPrefix(phone, "+") {
		return phone
	}
	return countryCode + strings.TrimPrefix(phone, "0")
}
