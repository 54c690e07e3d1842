// Package telegram implements transport.Sender on the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"dripline/internal/scenario"
	"dripline/internal/transport"
	"dripline/pkg/logx"
)

const (
	textLimit    = 4000
	captionLimit = 1024
)

type Config struct {
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL      string
	SendTimeout time.Duration
}

// Sender keeps one offline bot per token; bots are only used to send, never
// to poll.
type Sender struct {
	cfg    Config
	log    logx.Logger
	client *http.Client

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func New(cfg Config, log logx.Logger) *Sender {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "transport.telegram")),
		client: &http.Client{Timeout: cfg.SendTimeout},
		bots:   map[string]*tele.Bot{},
	}
}

func (s *Sender) bot(token string) (*tele.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     s.cfg.APIURL,
		Token:   token,
		Client:  s.client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	s.bots[token] = b
	return b, nil
}

func recipient(to string) (tele.Recipient, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("invalid telegram chat id %q", to)
	}
	return tele.ChatID(id), nil
}

// Send implements transport.Sender.
func (s *Sender) Send(ctx context.Context, cred transport.Credential, to string, msg scenario.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scenario.Validate(msg); err != nil {
		return transport.NoRetry(err)
	}
	b, err := s.bot(cred.Token)
	if err != nil {
		return transport.NoRetry(fmt.Errorf("account %s: %w", cred.AccountID, err))
	}
	rcpt, err := recipient(to)
	if err != nil {
		return transport.NoRetry(err)
	}

	switch m := msg.(type) {
	case scenario.Text:
		opts := &tele.SendOptions{DisableWebPagePreview: m.DisablePreview}
		for _, chunk := range splitText(m.Body, textLimit) {
			if _, err := b.Send(rcpt, chunk, opts); err != nil {
				return classify(err)
			}
		}
		return nil

	case scenario.Media:
		_, err := b.Send(rcpt, mediaPayload(m))
		return classify(err)

	case scenario.Card:
		body := cardHTML(m)
		opts := &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: cardMarkup(m)}
		if m.ImageURL != "" {
			photo := &tele.Photo{File: tele.FromURL(m.ImageURL), Caption: truncate(body, captionLimit)}
			_, err := b.Send(rcpt, photo, opts)
			return classify(err)
		}
		_, err := b.Send(rcpt, truncate(body, textLimit), opts)
		return classify(err)

	default:
		return transport.NoRetry(fmt.Errorf("unsupported message %T", msg))
	}
}

func mediaFile(m scenario.Media) tele.File {
	if m.FileID != "" {
		return tele.File{FileID: m.FileID}
	}
	return tele.FromURL(m.URL)
}

func mediaPayload(m scenario.Media) tele.Sendable {
	f := mediaFile(m)
	caption := truncate(m.Caption, captionLimit)
	switch m.Type {
	case scenario.MediaVideo:
		return &tele.Video{File: f, Caption: caption}
	case scenario.MediaDocument:
		return &tele.Document{File: f, Caption: caption}
	case scenario.MediaAudio:
		return &tele.Audio{File: f, Caption: caption}
	default:
		return &tele.Photo{File: f, Caption: caption}
	}
}

func cardHTML(c scenario.Card) string {
	var b strings.Builder
	if t := strings.TrimSpace(c.Title); t != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(t))
		b.WriteString("</b>")
	}
	if body := strings.TrimSpace(c.Body); body != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(html.EscapeString(body))
	}
	return b.String()
}

func cardMarkup(c scenario.Card) *tele.ReplyMarkup {
	if len(c.Buttons) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(c.Buttons))
	for _, btn := range c.Buttons {
		rows = append(rows, rm.Row(tele.Btn{Text: btn.Label, URL: btn.URL}))
	}
	rm.Inline(rows...)
	return rm
}

var codeSuffix = regexp.MustCompile(`\((\d{3})\)\s*$`)

// classify maps Bot API failures onto the transport error taxonomy:
// 400 and 403 are permanent for the recipient, 429 carries a retry hint,
// everything else (network, 5xx) is transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	code := 0
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	} else if m := codeSuffix.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	switch code {
	case http.StatusBadRequest, http.StatusForbidden:
		return transport.NoRetry(err)
	default:
		return err
	}
}

func truncate(s string, maxN int) string {
	rs := []rune(s)
	if len(rs) <= maxN {
		return s
	}
	return string(rs[:maxN-1]) + "…"
}
