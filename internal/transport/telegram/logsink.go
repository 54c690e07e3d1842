package telegram

import (
	"context"
	"fmt"

	tele "gopkg.in/telebot.v4"
)

// LogSink posts rendered log lines to an operator chat. It implements
// logx.ChatSender.
type LogSink struct {
	sender   *Sender
	token    string
	chatID   int64
	threadID int
}

func NewLogSink(s *Sender, token string, chatID int64, threadID int) *LogSink {
	return &LogSink{sender: s, token: token, chatID: chatID, threadID: threadID}
}

func (l *LogSink) SendLog(ctx context.Context, text string) error {
	if l == nil || l.chatID == 0 {
		return nil
	}
	b, err := l.sender.bot(l.token)
	if err != nil {
		return fmt.Errorf("log sink: %w", err)
	}
	opts := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: l.threadID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.Send(tele.ChatID(l.chatID), chunk, opts); err != nil {
			return err
		}
	}
	return nil
}
