package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"
)

// MailerConfig SMTP 发送配置
type MailerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool
	Timeout  time.Duration
}

// Mailer sends plain-text mail over SMTP.
type Mailer struct {
	cfg    MailerConfig
	logger *logrus.Logger
}

func NewMailer(cfg MailerConfig, logger *logrus.Logger) *Mailer {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Mailer{cfg: cfg, logger: logger}
}

// buildMessage validates addresses and assembles the message without dialing.
func (m *Mailer) buildMessage(to, subject, body string) (*mail.Msg, error) {
	if strings.TrimSpace(m.cfg.Host) == "" || strings.TrimSpace(m.cfg.From) == "" {
		return nil, ErrNotConfigured
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return nil, fmt.Errorf("mail: recipient is empty")
	}
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("mail: invalid sender: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("mail: invalid recipient %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

// Send delivers one message to a single recipient.
func (m *Mailer) Send(ctx context.Context, to, subject, body string) error {
	msg, err := m.buildMessage(to, subject, body)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithTimeout(m.cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if m.cfg.Port > 0 {
		opts = append(opts, mail.WithPort(m.cfg.Port))
	}
	if m.cfg.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}

	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("mail: create client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mail: send to %s: %w", to, err)
	}
	m.logger.WithFields(logrus.Fields{"to": to, "subject": subject}).Debug("mail sent")
	return nil
}
