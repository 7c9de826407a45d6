package sender

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"consent-otp-service/internal/config"
	"consent-otp-service/internal/model"
	"consent-otp-service/internal/otp"
	"consent-otp-service/internal/util"

	"go.uber.org/zap"
)

// EmailSender delivers OTP codes over SMTP. The message mirrors what the
// consent front end tells the user: code, validity window, purpose.
type EmailSender struct {
	host       string
	port       int
	username   string
	password   string
	from       string
	subject    string
	ttlMinutes int
}

func NewEmailSender(cfg *config.Config) (*EmailSender, error) {
	sc := cfg.SMTP
	if sc.Host == "" {
		return nil, fmt.Errorf("missing SMTP host in environment variables")
	}

	ttlMinutes := int(cfg.OTP.EmailTTL.Minutes())
	if ttlMinutes < 1 {
		ttlMinutes = 1
	}

	return &EmailSender{
		host:       sc.Host,
		port:       sc.Port,
		username:   sc.Username,
		password:   sc.Password,
		from:       sc.From,
		subject:    sc.Subject,
		ttlMinutes: ttlMinutes,
	}, nil
}

func (e *EmailSender) Channel() model.Channel   { return model.ChannelEmail }
func (e *EmailSender) Provider() model.Provider { return model.ProviderInternalEmail }

func (e *EmailSender) Send(ctx context.Context, destination, code string) ProviderResult {
	body := e.buildMessage(destination, code)

	addr := fmt.Sprintf("%s:%d", e.host, e.port)
	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.host)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(addr, auth, e.from, []string{destination}, body)
	}()

	select {
	case <-ctx.Done():
		return ProviderResult{Err: fmt.Errorf("email send canceled: %w", ctx.Err())}
	case err := <-errCh:
		if err != nil {
			msg := err.Error()
			if strings.Contains(msg, "Username and Password not accepted") {
				// Common Gmail misconfiguration: needs a 16-char app password.
				msg = "SMTP credentials rejected; check SMTP_USERNAME and SMTP_PASSWORD"
			}
			util.Error("Failed to send email OTP",
				zap.String("destination", otp.MaskEmail(destination)),
				zap.Error(err))
			return ProviderResult{Err: fmt.Errorf("smtp send failed: %s", msg)}
		}
	}

	util.Debug("Email OTP sent", zap.String("destination", otp.MaskEmail(destination)))
	return ProviderResult{Success: true}
}

func (e *EmailSender) buildMessage(destination, code string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", destination)
	fmt.Fprintf(&b, "Subject: %s\r\n", e.subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&b, "Tu codigo de autorizacion es: %s\r\n\r\n", code)
	fmt.Fprintf(&b, "Es valido por %d minutos. Si no solicitaste esta autorizacion, ignora este mensaje.\r\n", e.ttlMinutes)
	return []byte(b.String())
}
