package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Event types.
const (
	TypeRecordTransition = "record.transition"
	TypeRecordDeclared   = "record.declared"
	TypeSyncPass         = "sync.pass"
	TypeBreakerOpened    = "breaker.opened"
	TypeBreakerReset     = "breaker.reset"
	TypeDiscoveryChanged = "discovery.changed"
	TypeCleanup          = "cleanup"
	TypeFailedReset      = "failed.reset"
)

// SubjectPrefix is prepended to the event type to form the NATS subject.
const SubjectPrefix = "cyrange"

// Event is a notable change in the reconciliation engine.
type Event struct {
	Type     string    `json:"type"`
	RecordID string    `json:"record_id,omitempty"`
	HostID   string    `json:"host_id,omitempty"`
	AssetID  string    `json:"asset_id,omitempty"`
	ScopeID  string    `json:"scope_id,omitempty"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// Subject returns the NATS subject for e, e.g. "cyrange.record.transition".
func (e Event) Subject() string {
	return SubjectPrefix + "." + strings.TrimSpace(e.Type)
}

// Publisher delivers events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// NATSPublisher publishes events as JSON on core NATS subjects.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(url, name string) (*NATSPublisher, error) {
	log := slog.With("component", "events")
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("publish %s: nats not connected", e.Type)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	if err := p.nc.Publish(e.Subject(), payload); err != nil {
		return fmt.Errorf("publish %s: %w", e.Subject(), err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc.Close()
	return err
}
