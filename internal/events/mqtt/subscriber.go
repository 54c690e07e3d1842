// Package mqtt turns domain events published on an MQTT broker into
// delivery runs.
//
// The payload is the same JSON body the HTTP trigger accepts, e.g.
//
//	{"externalIdentity":"123456","trigger":"login_success"}
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"dripline/internal/delivery"
	"dripline/internal/trigger"
	"dripline/pkg/logx"
)

const (
	connectTimeout   = 10 * time.Second
	subscribeTimeout = 5 * time.Second
	disconnectQuiet  = 250 // ms
	queueSize        = 256
)

type Invoker interface {
	Invoke(ctx context.Context, req trigger.Request) (delivery.Summary, error)
}

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

type Subscriber struct {
	cfg   Config
	inv   Invoker
	log   logx.Logger
	queue chan trigger.Request
}

func New(cfg Config, inv Invoker, log logx.Logger) *Subscriber {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Topic == "" {
		cfg.Topic = "dripline/events/#"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "dripline-" + uuid.NewString()[:8]
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	return &Subscriber{
		cfg:   cfg,
		inv:   inv,
		log:   log.With(logx.String("comp", "mqtt")),
		queue: make(chan trigger.Request, queueSize),
	}
}

func (s *Subscriber) options() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(60 * time.Second)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	// Subscriptions do not survive a clean session, so renew them on every
	// (re)connect.
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		tok := c.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ pahomqtt.Client, m pahomqtt.Message) {
			s.enqueue(m.Topic(), m.Payload())
		})
		if !tok.WaitTimeout(subscribeTimeout) {
			s.log.Warn("mqtt subscribe timed out", logx.String("topic", s.cfg.Topic))
			return
		}
		if err := tok.Error(); err != nil {
			s.log.Warn("mqtt subscribe failed", logx.String("topic", s.cfg.Topic), logx.Err(err))
			return
		}
		s.log.Info("mqtt subscribed", logx.String("topic", s.cfg.Topic))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.log.Warn("mqtt connection lost", logx.Err(err))
	})
	return opts
}

// Run connects and processes events until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	client := pahomqtt.NewClient(s.options())
	tok := client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect %s: timeout after %s", s.cfg.Broker, connectTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
	}
	defer client.Disconnect(disconnectQuiet)

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.queue:
			s.process(ctx, req)
		}
	}
}

// enqueue runs on the paho router goroutine and must not block.
func (s *Subscriber) enqueue(topic string, payload []byte) {
	req, err := Decode(payload)
	if err != nil {
		s.log.Warn("mqtt event rejected", logx.String("topic", topic), logx.Err(err))
		return
	}
	select {
	case s.queue <- req:
	default:
		s.log.Warn("mqtt event dropped, queue full", logx.String("topic", topic))
	}
}

func (s *Subscriber) process(ctx context.Context, req trigger.Request) {
	sum, err := s.inv.Invoke(ctx, req)
	switch {
	case errors.Is(err, trigger.ErrUnknownIdentity), errors.Is(err, trigger.ErrInvalidRequest):
		s.log.Warn("mqtt event ignored", logx.Err(err))
	case err != nil:
		s.log.Error("mqtt triggered run failed", logx.Err(err))
	default:
		s.log.Debug("mqtt triggered run",
			logx.String("contact", req.ContactID),
			logx.Int("delivered", sum.Delivered),
			logx.Int("errors", sum.Errors),
		)
	}
}

// Decode parses an event payload. An empty payload is a full run.
func Decode(payload []byte) (trigger.Request, error) {
	var req trigger.Request
	if strings.TrimSpace(string(payload)) == "" {
		return req, nil
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("decode event: %w", err)
	}
	return req, nil
}
