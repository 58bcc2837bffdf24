package channel

import (
	"context"

	"github.com/google/uuid"

	"dunner/pkg/logx"
)

// DevAdapter logs messages instead of sending them.
//
// It lets the daemon run end-to-end without real providers configured and
// doubles as the default adapter in local setups.
type DevAdapter struct {
	kind Kind
	log  logx.Logger
}

func NewDevAdapter(kind Kind, log logx.Logger) *DevAdapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DevAdapter{kind: kind, log: log}
}

func (d *DevAdapter) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, &DispatchError{Err: err}
	}
	id := uuid.NewString()
	d.log.Info("dev dispatch",
		logx.String("channel", d.kind.String()),
		logx.String("to", msg.Recipient),
		logx.String("subject", msg.Subject),
		logx.String("template", msg.TemplateID),
		logx.String("message_id", id),
	)
	return Receipt{Status: "sent", Recipient: msg.Recipient, MessageID: id}, nil
}
