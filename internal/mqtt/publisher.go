package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/newsdesk/internal/config"
	"github.com/nugget/newsdesk/internal/events"
)

// subscriberBuffer is the event bus buffer for the audit subscriber.
const subscriberBuffer = 64

// AuditRecord is the JSON payload of one audit message.
type AuditRecord struct {
	EventID        string    `json:"event_id"`
	Instance       string    `json:"instance"`
	Kind           string    `json:"kind"`
	Timestamp      time.Time `json:"ts"`
	ConversationID string    `json:"conversation_id"`
	Operation      string    `json:"operation,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	Success        *bool     `json:"success,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// auditKinds are the gate events that are published.
var auditKinds = map[string]bool{
	events.KindConfirmationRequested: true,
	events.KindActionApproved:        true,
	events.KindActionDenied:          true,
	events.KindActionStale:           true,
}

// Publisher forwards gate events from the bus to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	// publish is replaced in tests.
	publish func(ctx context.Context, p *paho.Publish) error
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and forwarding loop.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		logger:     logger,
	}
	p.publish = func(ctx context.Context, pub *paho.Publish) error {
		if p.cm == nil {
			return fmt.Errorf("mqtt publisher not started")
		}
		_, err := p.cm.Publish(ctx, pub)
		return err
	}
	return p
}

// Start connects to the broker and forwards audit events until ctx is
// cancelled. On every (re-)connect it publishes a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Subscribe before connecting so events raised during the initial
	// connection attempt are not lost to the forwarding loop.
	sub := p.bus.Subscribe(subscriberBuffer)
	defer p.bus.Unsubscribe(sub)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.forward(ctx, sub)
	return nil
}

// Stop publishes "offline" and closes the connection. ctx bounds how
// long to wait.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// forward publishes each audit event from sub until ctx is done or the
// subscription is closed.
func (p *Publisher) forward(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			p.publishEvent(ctx, e)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, e events.Event) {
	topic, payload, ok := p.Record(e)
	if !ok {
		return
	}
	err := p.publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	})
	if err != nil {
		p.logger.Warn("mqtt audit publish failed", "topic", topic, "event_id", e.ID, "error", err)
		return
	}
	p.logger.Debug("mqtt audit published", "topic", topic, "event_id", e.ID)
}

// Record converts a bus event into an audit topic and payload. ok is
// false for events that are not gate activity.
func (p *Publisher) Record(e events.Event) (topic string, payload []byte, ok bool) {
	if e.Source != events.SourceGate || !auditKinds[e.Kind] {
		return "", nil, false
	}

	rec := AuditRecord{
		EventID:        e.ID,
		Instance:       p.instanceID,
		Kind:           e.Kind,
		Timestamp:      e.Timestamp,
		ConversationID: stringField(e.Data, "conversation_id"),
		Operation:      stringField(e.Data, "operation"),
		Actor:          stringField(e.Data, "actor"),
		Message:        stringField(e.Data, "message"),
	}
	if rec.Actor == "" {
		rec.Actor = stringField(e.Data, "requested_by")
	}
	if s, found := e.Data["success"].(bool); found {
		rec.Success = &s
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		p.logger.Error("mqtt marshal audit record", "event_id", e.ID, "error", err)
		return "", nil, false
	}
	return p.auditTopic(e.Kind), payload, true
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Topic helpers ---

func (p *Publisher) clientID() string {
	id := p.instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return p.cfg.ClientName + "-" + id
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) auditTopic(kind string) string {
	return p.cfg.TopicPrefix + "/audit/" + kind
}
