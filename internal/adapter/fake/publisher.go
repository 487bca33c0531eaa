package fake

import (
	"context"
	"sync"

	"cyrange/internal/events"
)

var _ events.Publisher = (*Publisher)(nil)

// Publisher records published events in memory.
type Publisher struct {
	mu     sync.Mutex
	events []events.Event
	closed bool

	PublishErr func(e events.Event) error
}

func NewPublisher() *Publisher { return &Publisher{} }

func (p *Publisher) Publish(_ context.Context, e events.Event) error {
	if p.PublishErr != nil {
		if err := p.PublishErr(e); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Events returns the published events of type typ, or all when typ is "".
func (p *Publisher) Events(typ string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if typ == "" || e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
