// Package channel defines how a follow-up leaves the system.
//
// Transport details (SMTP, SMS gateways, telephony) live behind Adapter;
// the orchestrator only knows the normalized send contract.
package channel

import (
	"context"
	"fmt"
	"strings"
)

// Kind is the delivery channel of a follow-up.
type Kind int

const (
	KindUnknown Kind = iota
	KindEmail
	KindSMS
	KindCall
)

func (k Kind) String() string {
	switch k {
	case KindEmail:
		return "email"
	case KindSMS:
		return "sms"
	case KindCall:
		return "call"
	default:
		return "unknown"
	}
}

// ParseKind maps a stored channel name to its Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "email":
		return KindEmail, nil
	case "sms":
		return KindSMS, nil
	case "call":
		return KindCall, nil
	default:
		return KindUnknown, fmt.Errorf("channel: unknown kind %q", s)
	}
}

// Kinds lists every dispatchable kind, in resolution order.
func Kinds() []Kind { return []Kind{KindEmail, KindSMS, KindCall} }

// Message is the channel-agnostic payload handed to an adapter.
type Message struct {
	Recipient  string
	Subject    string
	Body       string
	TemplateID string
}

// Receipt is the normalized result of a successful dispatch.
type Receipt struct {
	Status    string
	Recipient string
	MessageID string
}

// Adapter sends one message over one concrete transport.
type Adapter interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// DispatchError wraps transport failures.
//
// Permanent marks errors where a retry can never succeed (e.g. an invalid
// recipient); it changes log detail only, the follow-up transition is the
// same either way.
type DispatchError struct {
	Permanent bool
	Err       error
}

func (e *DispatchError) Error() string {
	if e.Permanent {
		return "permanent dispatch failure: " + e.Err.Error()
	}
	return "dispatch failure: " + e.Err.Error()
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Registry resolves kinds to adapters.
//
// It is built once at construction so missing adapters surface at wiring
// time, not in the middle of a batch.
type Registry struct {
	adapters map[Kind]Adapter
}

func NewRegistry(adapters map[Kind]Adapter) (*Registry, error) {
	cp := make(map[Kind]Adapter, len(adapters))
	for k, a := range adapters {
		if a == nil {
			return nil, fmt.Errorf("channel: nil adapter for %s", k)
		}
		cp[k] = a
	}
	return &Registry{adapters: cp}, nil
}

// Resolve returns the adapter bound to kind.
func (r *Registry) Resolve(kind Kind) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}
