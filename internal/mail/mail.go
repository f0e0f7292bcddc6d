// Package mail delivers notification emails. Two implementations: a log
// sink for development and an SMTP client for real delivery.
package mail

import (
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// Mailer delivers one message to one recipient.
type Mailer interface {
	Send(to, subject, body string) error
}

// Log writes messages to the logger instead of sending them. Default mode.
type Log struct {
	Logger *log.Logger
}

func (l Log) Send(to, subject, body string) error {
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("mail: to=%s subject=%q body=%q", to, subject, body)
	return nil
}

// SMTP delivers over a plain SMTP connection with a dial timeout.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

func (s SMTP) Send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if s.Username != "" {
		a := smtp.PlainAuth("", s.Username, s.Password, s.Host)
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(a); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}
	if err := client.Mail(s.From); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	msg := strings.Join([]string{
		"From: " + s.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")
	if _, err := w.Write([]byte(msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
