// Package email delivers alerts over SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"execbot/internal/notifier"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Transport struct {
	cfg  Config
	send SendFunc
}

func New(cfg Config) (*Transport, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("email: host, from and to are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Transport{cfg: cfg, send: smtp.SendMail}, nil
}

// WithSendFunc replaces the SMTP call (tests).
func (t *Transport) WithSendFunc(fn SendFunc) *Transport {
	t.send = fn
	return t
}

func (t *Transport) Name() string { return "email" }

func (t *Transport) Send(ctx context.Context, a notifier.Alert) error {
	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	msg := buildMessage(t.cfg.From, t.cfg.To, a)

	// smtp.SendMail has no context; run it aside and stop waiting on cancel.
	done := make(chan error, 1)
	go func() { done <- t.send(addr, auth, t.cfg.From, t.cfg.To, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(from string, to []string, a notifier.Alert) []byte {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", a.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", at.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	body := strings.ReplaceAll(a.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}
