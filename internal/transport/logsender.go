package transport

import (
	"context"
	"fmt"

	"dripline/internal/scenario"
	"dripline/pkg/logx"
)

// LogSender writes messages to the log instead of a platform. Used for dry
// runs and local development.
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) Send(_ context.Context, cred Credential, to string, msg scenario.Message) error {
	if err := scenario.Validate(msg); err != nil {
		return NoRetry(err)
	}
	fields := []logx.Field{
		logx.String("account", cred.AccountID),
		logx.String("to", to),
		logx.String("kind", string(msg.Kind())),
	}
	switch m := msg.(type) {
	case scenario.Text:
		fields = append(fields, logx.String("body", m.Body))
	case scenario.Media:
		fields = append(fields, logx.String("media", string(m.Type)), logx.String("caption", m.Caption))
	case scenario.Card:
		fields = append(fields, logx.String("title", m.Title), logx.Int("buttons", len(m.Buttons)))
	default:
		return NoRetry(fmt.Errorf("unsupported message %T", msg))
	}
	s.Log.Info("message (dry run)", fields...)
	return nil
}
