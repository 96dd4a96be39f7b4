// Forge server: Email
// Copyright Alistair Cunningham 2024-2025

package main

import (
	gm "github.com/wneessen/go-mail"
)

type mailer struct {
	admin string
	from  string
	host  string
	port  int
}

func mailer_new(c *Config) *mailer {
	return &mailer{admin: c.email_admin, from: c.email_from, host: c.email_host, port: c.email_port}
}

// send sends a plain text email. Failures are logged with info() rather than warn() so that a broken
// mail server cannot cause a loop of error emails.
func (m *mailer) send(to string, subject string, body string) {
	msg := gm.NewMsg()

	err := msg.From(m.from)
	if err != nil {
		info("Email failed to set from address %q: %v", m.from, err)
		return
	}
	err = msg.To(to)
	if err != nil {
		info("Email failed to set to address %q: %v", to, err)
		return
	}
	msg.Subject(subject)
	msg.SetBodyString(gm.TypeTextPlain, body)

	c, err := gm.NewClient(m.host, gm.WithPort(m.port), gm.WithTLSPolicy(gm.TLSOpportunistic))
	if err != nil {
		info("Email failed to create mail client: %v", err)
		return
	}
	err = c.DialAndSend(msg)
	if err != nil {
		info("Email failed to send message: %v", err)
		return
	}
}
