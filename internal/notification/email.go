package notification

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/smartdevs17/deal-alerts/internal/config"
	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// EmailSender handles email notifications over SMTP.
type EmailSender struct {
	config config.EmailConfig
	logger *NotificationLogger
	auth   smtp.Auth
}

// NewEmailSender creates a new email sender
func NewEmailSender(cfg config.EmailConfig) *EmailSender {
	es := &EmailSender{
		config: cfg,
		logger: NewNotificationLogger().WithField("component", "email_sender"),
	}
	if cfg.Username != "" && cfg.Password != "" {
		es.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
	}
	return es
}

func (es *EmailSender) Channel() models.ChannelKind { return models.ChannelEmail }

// Deliver implements Deliverer.
func (es *EmailSender) Deliver(ctx context.Context, dest Destination, payload *Payload) error {
	to, err := mail.ParseAddress(dest.Address)
	if err != nil {
		return Permanent(utils.NewAppError(utils.ErrCodeValidation, "Invalid email address", dest.Address))
	}

	message, err := es.buildEmailMessage(to.Address, payload)
	if err != nil {
		return Permanent(utils.WrapError(utils.ErrCodeInternal, "Failed to render email", err))
	}

	if err := es.send(ctx, to.Address, message); err != nil {
		return classifySMTPError(err)
	}
	return nil
}

func (es *EmailSender) send(ctx context.Context, to string, message []byte) error {
	addr := net.JoinHostPort(es.config.SMTPHost, strconv.Itoa(es.config.SMTPPort))

	var (
		conn net.Conn
		err  error
	)
	dialer := &net.Dialer{}
	if es.config.UseTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: es.config.SMTPHost}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, es.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if !es.config.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: es.config.SMTPHost}); err != nil {
				return fmt.Errorf("starttls failed: %w", err)
			}
		}
	}

	if es.auth != nil {
		if err := client.Auth(es.auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	if err := client.Mail(es.config.FromEmail); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient %s: %w", to, err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open data writer: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return client.Quit()
}

// buildEmailMessage builds the RFC 5322 message.
func (es *EmailSender) buildEmailMessage(to string, payload *Payload) ([]byte, error) {
	body, err := emailBody(payload)
	if err != nil {
		return nil, err
	}

	from := mail.Address{Name: es.config.FromName, Address: es.config.FromEmail}
	var message strings.Builder
	fmt.Fprintf(&message, "From: %s\r\n", from.String())
	fmt.Fprintf(&message, "To: %s\r\n", to)
	fmt.Fprintf(&message, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", Subject(payload)))
	message.WriteString("MIME-Version: 1.0\r\n")
	message.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&message, "Date: %s\r\n", sentAt(payload).Format(time.RFC1123Z))
	message.WriteString("\r\n")
	message.WriteString(body)
	return []byte(message.String()), nil
}

// classifySMTPError treats 5xx replies as permanent and everything else
// (4xx replies, network errors, timeouts) as transient.
func classifySMTPError(err error) error {
	appErr := utils.WrapError(utils.ErrCodeExternal, "Failed to send email", err)
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return Permanent(appErr)
	}
	return Transient(appErr)
}
