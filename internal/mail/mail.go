// Package mail sends best-effort notification email. Delivery failures
// are the caller's to log; nothing in the application depends on a
// message arriving.
package mail

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

type Sender interface {
	Send(to, subject, body string) error
}

type SMTPSender struct {
	addr string
	from string
}

func NewSMTPSender(addr, from string) *SMTPSender {
	return &SMTPSender{addr: addr, from: from}
}

func (s *SMTPSender) Send(to, subject, body string) error {
	message := strings.Join([]string{
		"From: " + s.from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="utf-8"`,
		"",
		body,
	}, "\r\n")
	return smtp.SendMail(s.addr, nil, s.from, []string{to}, []byte(message))
}

// LogSender stands in when no SMTP relay is configured, keeping local
// development working without one.
type LogSender struct{}

func (LogSender) Send(to, subject, _ string) error {
	log.Printf("mail (not sent, no SMTP relay): to=%s subject=%q", to, subject)
	return nil
}

// FromConfig picks the SMTP sender when an address is configured and
// the logging stand-in otherwise.
func FromConfig(smtpAddr, from string) Sender {
	if smtpAddr == "" {
		return LogSender{}
	}
	if from == "" {
		from = fmt.Sprintf("no-reply@%s", strings.SplitN(smtpAddr, ":", 2)[0])
	}
	return NewSMTPSender(smtpAddr, from)
}
