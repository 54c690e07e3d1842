// Package transport sends step messages to contacts.
package transport

import (
	"context"
	"fmt"
	"strings"

	"dripline/internal/scenario"
)

// Credential identifies the sending account on a messaging platform.
type Credential struct {
	AccountID string
	Transport string // "telegram", "log"
	Token     string
}

// Sender delivers one message to one external identity. Errors wrapped with
// NoRetry are permanent for this recipient; all others may be retried.
type Sender interface {
	Send(ctx context.Context, cred Credential, to string, msg scenario.Message) error
}

type SenderFunc func(ctx context.Context, cred Credential, to string, msg scenario.Message) error

func (f SenderFunc) Send(ctx context.Context, cred Credential, to string, msg scenario.Message) error {
	return f(ctx, cred, to, msg)
}

// Mux routes by Credential.Transport. An empty transport uses Default.
type Mux struct {
	Default string
	senders map[string]Sender
}

func NewMux(def string) *Mux {
	return &Mux{Default: def, senders: map[string]Sender{}}
}

func (m *Mux) Handle(name string, s Sender) {
	m.senders[strings.ToLower(name)] = s
}

func (m *Mux) Send(ctx context.Context, cred Credential, to string, msg scenario.Message) error {
	name := strings.ToLower(strings.TrimSpace(cred.Transport))
	if name == "" {
		name = m.Default
	}
	s, ok := m.senders[name]
	if !ok {
		return NoRetry(fmt.Errorf("no sender for transport %q", cred.Transport))
	}
	return s.Send(ctx, cred, to, msg)
}
