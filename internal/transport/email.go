package transport

import (
	"context"
	"errors"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"gopkg.in/gomail.v2"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/resilience"
)

// Mailbox is a sender identity.
type Mailbox struct {
	Name    string
	Address string
}

// SMTPConfig configures the SMTP sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     Mailbox
	// MessageIDDomain is the right-hand side of generated Message-ID headers.
	MessageIDDomain string
}

// dialer is the part of *gomail.Dialer the SMTP sender uses.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTP sends email through an SMTP relay. The generated Message-ID is the
// provider id used to correlate bounce and reply events.
type SMTP struct {
	cfg    SMTPConfig
	dialer dialer
}

// NewSMTP creates an SMTP sender.
func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.MessageIDDomain == "" {
		if at := strings.LastIndex(cfg.From.Address, "@"); at >= 0 {
			cfg.MessageIDDomain = cfg.From.Address[at+1:]
		} else {
			cfg.MessageIDDomain = "outreach.local"
		}
	}
	return &SMTP{cfg: cfg, dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)}
}

func (s *SMTP) Send(ctx context.Context, msg Rendered, to model.Contact) (string, error) {
	if to.Email == "" {
		return "", ErrNoAddress
	}
	if _, err := mail.ParseAddress(to.Email); err != nil {
		return "", eris.Wrapf(err, "smtp: invalid recipient %q", to.Email)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := "<" + uuid.New().String() + "@" + s.cfg.MessageIDDomain + ">"
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.From.Address, s.cfg.From.Name)
	m.SetAddressHeader("To", to.Email, to.Name)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", id)
	m.SetBody("text/plain", msg.Body)

	// gomail takes no context; the dial is bounded by the relay.
	if err := s.dialer.DialAndSend(m); err != nil {
		return "", classifySMTP(err)
	}
	return id, nil
}

// classifySMTP marks 4xx replies as transient and 5xx as permanent.
func classifySMTP(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			return resilience.NewTransientError(eris.Wrap(err, "smtp: deferred"), 0)
		}
		return eris.Wrap(err, "smtp: rejected")
	}
	msg := err.Error()
	for _, code := range []string{" 421 ", " 450 ", " 451 ", " 452 "} {
		if strings.Contains(" "+msg+" ", code) {
			return resilience.NewTransientError(eris.Wrap(err, "smtp: deferred"), 0)
		}
	}
	return eris.Wrap(err, "smtp: send")
}

// SendGridConfig configures the SendGrid sender.
type SendGridConfig struct {
	APIKey string
	From   Mailbox
	// Endpoint overrides the mail send URL.
	Endpoint string
}

// SendGrid sends email through the SendGrid v3 API.
type SendGrid struct {
	client *sendgrid.Client
	from   Mailbox
}

// NewSendGrid creates a SendGrid sender.
func NewSendGrid(cfg SendGridConfig) *SendGrid {
	c := sendgrid.NewSendClient(cfg.APIKey)
	if cfg.Endpoint != "" {
		c.BaseURL = cfg.Endpoint
	}
	return &SendGrid{client: c, from: cfg.From}
}

func (s *SendGrid) Send(ctx context.Context, msg Rendered, to model.Contact) (string, error) {
	if to.Email == "" {
		return "", ErrNoAddress
	}
	email := sgmail.NewSingleEmail(
		sgmail.NewEmail(s.from.Name, s.from.Address),
		msg.Subject,
		sgmail.NewEmail(to.Name, to.Email),
		msg.Body,
		"",
	)
	// The client's embedded request is shared; copy it per call.
	req := s.client.Request
	req.Body = sgmail.GetRequestBody(email)
	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return "", eris.Wrap(err, "sendgrid: send")
	}
	if resp.StatusCode >= 300 {
		return "", resilience.FromStatus(eris.Errorf("sendgrid: status %d: %s", resp.StatusCode, resp.Body), resp.StatusCode)
	}
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 && ids[0] != "" {
		return ids[0], nil
	}
	return "", eris.New("sendgrid: accepted without X-Message-Id")
}
