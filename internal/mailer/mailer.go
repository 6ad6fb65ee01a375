package mailer

import (
	"context"
	"time"

	mail "gopkg.in/mail.v2"
)

const FromName = "VeilBot"

// Client sends operator mail over SMTP. It satisfies notify.Notifier.
type Client struct {
	dialer    *mail.Dialer
	fromEmail string
	toEmail   string
}

func New(host string, port int, username, password, fromEmail, toEmail string) *Client {
	dialer := mail.NewDialer(host, port, username, password)
	dialer.Timeout = 10 * time.Second

	return &Client{
		dialer:    dialer,
		fromEmail: fromEmail,
		toEmail:   toEmail,
	}
}

func (c *Client) Notify(ctx context.Context, subject, body string) error {
	msg := mail.NewMessage()
	msg.SetAddressHeader("From", c.fromEmail, FromName)
	msg.SetHeader("To", c.toEmail)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	// mail.v2 has no context support; rely on the dialer timeout but bail out
	// early if the caller is already gone.
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.dialer.DialAndSend(msg)
}
