package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	netmail "net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/hrpulse/errors"
)

// SMTPConfig configures an SMTP relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// SMTPTransport delivers messages through an SMTP relay, upgrading to TLS
// when the server offers STARTTLS.
type SMTPTransport struct {
	cfg SMTPConfig
	now func() time.Time
}

// NewSMTPTransport creates an SMTP transport.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPTransport{cfg: cfg, now: time.Now}
}

// Send delivers msg and returns the generated email id.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (Result, error) {
	if err := msg.Validate(); err != nil {
		return Result{}, err
	}
	if t.cfg.Host == "" {
		return Result{}, errors.WithHint(
			errors.Wrap(errors.ErrServiceUnavailable, "smtp host not configured"),
			"set mail.smtp.host or use mail.transport = \"outbox\"")
	}

	id := uuid.NewString()
	body, err := buildMessage(msg, id, t.now())
	if err != nil {
		return Result{}, err
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, errors.Wrapf(err, "failed to connect to smtp relay %s", addr)
	}
	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return Result{}, errors.Wrap(err, "smtp handshake failed")
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: t.cfg.Host}); err != nil {
			return Result{}, errors.Wrap(err, "smtp starttls failed")
		}
	}
	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return Result{}, errors.Wrap(err, "smtp auth failed")
		}
	}

	from, err := netmail.ParseAddress(msg.From)
	if err != nil {
		return Result{}, errors.Wrapf(ErrInvalidMessage, "sender %q", msg.From)
	}
	to, err := netmail.ParseAddress(msg.To)
	if err != nil {
		return Result{}, errors.Wrapf(ErrInvalidMessage, "recipient %q", msg.To)
	}
	if err := c.Mail(from.Address); err != nil {
		return Result{}, errors.Wrap(err, "smtp MAIL FROM rejected")
	}
	if err := c.Rcpt(to.Address); err != nil {
		return Result{}, errors.Wrapf(err, "smtp RCPT TO rejected for %s", to.Address)
	}
	w, err := c.Data()
	if err != nil {
		return Result{}, errors.Wrap(err, "smtp DATA rejected")
	}
	if _, err := w.Write(body); err != nil {
		return Result{}, errors.Wrap(err, "failed to write message body")
	}
	if err := w.Close(); err != nil {
		return Result{}, errors.Wrap(err, "smtp relay rejected message")
	}
	_ = c.Quit()

	return Result{EmailID: id}, nil
}

// messageID renders an email id as an RFC 5322 Message-ID under the
// sender's domain.
func messageID(id, from string) string {
	domain := "hrpulse.local"
	if addr, err := netmail.ParseAddress(from); err == nil {
		if at := strings.LastIndex(addr.Address, "@"); at >= 0 {
			domain = addr.Address[at+1:]
		}
	}
	return fmt.Sprintf("<%s@%s>", id, domain)
}

// buildMessage renders msg as RFC 5322 bytes. Messages with both bodies
// are multipart/alternative with the text part first.
func buildMessage(msg Message, id string, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	header("From", msg.From)
	header("To", msg.To)
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", now.UTC().Format(time.RFC1123Z))
	header("Message-ID", messageID(id, msg.From))
	if msg.ReplyToID != "" {
		parent := messageID(msg.ReplyToID, msg.From)
		header("In-Reply-To", parent)
		header("References", parent)
	}
	header("MIME-Version", "1.0")

	switch {
	case msg.HTMLBody != "" && msg.TextBody != "":
		mw := multipart.NewWriter(&buf)
		header("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary()))
		buf.WriteString("\r\n")
		for _, part := range []struct{ ctype, body string }{
			{"text/plain; charset=utf-8", msg.TextBody},
			{"text/html; charset=utf-8", msg.HTMLBody},
		} {
			pw, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":              {part.ctype},
				"Content-Transfer-Encoding": {"quoted-printable"},
			})
			if err != nil {
				return nil, errors.Wrap(err, "failed to create mime part")
			}
			if err := writeQP(pw, part.body); err != nil {
				return nil, err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, errors.Wrap(err, "failed to close multipart body")
		}
	case msg.HTMLBody != "":
		header("Content-Type", "text/html; charset=utf-8")
		header("Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQP(&buf, msg.HTMLBody); err != nil {
			return nil, err
		}
	default:
		header("Content-Type", "text/plain; charset=utf-8")
		header("Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQP(&buf, msg.TextBody); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeQP(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(body)); err != nil {
		return errors.Wrap(err, "failed to encode body")
	}
	return errors.Wrap(qp.Close(), "failed to encode body")
}
