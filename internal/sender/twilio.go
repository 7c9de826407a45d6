package sender

import (
	"context"
	"fmt"

	"consent-otp-service/internal/config"
	"consent-otp-service/internal/model"
	"consent-otp-service/internal/util"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// TwilioSender delivers OTP codes over SMS through the Twilio Messages API.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

func NewTwilioSender(cfg *config.Config) (*TwilioSender, error) {
	tw := cfg.Twilio
	if tw.AccountSID == "" || tw.AuthToken == "" || tw.FromNumber == "" {
		return nil, fmt.Errorf("missing Twilio credentials in environment variables")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: tw.AccountSID,
		Password: tw.AuthToken,
	})

	return &TwilioSender{
		client: client,
		from:   tw.FromNumber,
	}, nil
}

func (t *TwilioSender) Channel() model.Channel   { return model.ChannelSMS }
func (t *TwilioSender) Provider() model.Provider { return model.ProviderTwilioSMS }

func (t *TwilioSender) Send(ctx context.Context, destination, code string) ProviderResult {
	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(t.from)
	params.SetTo(destination)
	params.SetBody(fmt.Sprintf("Tu codigo de autorizacion es %s. No lo compartas con nadie.", code))

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		util.Error("Failed to send SMS OTP",
			zap.String("destination", destination[:min(4, len(destination))]+"***"),
			zap.Error(err))
		return ProviderResult{Err: fmt.Errorf("twilio send failed: %w", err)}
	}

	ref := ""
	if resp.Sid != nil {
		ref = *resp.Sid
	}

	util.Debug("SMS OTP sent", zap.String("message_sid", ref))
	return ProviderResult{Success: true, ProviderRef: ref}
}
