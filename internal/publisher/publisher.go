// Package publisher is the in-process broker fanning normalized
// events out to per-instrument subscribers.
package publisher

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize bounds the event queue before publishers block.
const DefaultQueueSize = 1000

// Event is one message routed to an instrument's subscribers.
type Event struct {
	Instrument string
	Data       any
}

// Client receives events. Send must be safe for use from the single
// dispatcher goroutine; an error marks the client dead.
type Client interface {
	Send(data any) error
}

// Publisher routes published events to subscribed clients through a
// bounded queue and a single dispatcher goroutine. Per instrument,
// events from one producer are delivered in publish order.
type Publisher struct {
	mu         sync.RWMutex
	clients    map[Client]struct{}
	subs       map[string]map[Client]struct{}
	clientSubs map[Client]map[string]struct{}

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New creates a publisher; queueSize <= 0 selects the default.
func New(queueSize int) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Publisher{
		clients:    make(map[Client]struct{}),
		subs:       make(map[string]map[Client]struct{}),
		clientSubs: make(map[Client]map[string]struct{}),
		queue:      make(chan Event, queueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the dispatcher.
func (p *Publisher) Start() {
	go p.run()
}

// Stop cancels the dispatcher; events still queued are discarded.
func (p *Publisher) Stop() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}

// Register adds a client with no subscriptions.
func (p *Publisher) Register(c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[c] = struct{}{}
	if p.clientSubs[c] == nil {
		p.clientSubs[c] = make(map[string]struct{})
	}
}

// Unregister removes a client and tears down its subscriptions.
func (p *Publisher) Unregister(c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, c)
	for instr := range p.clientSubs[c] {
		if set := p.subs[instr]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(p.subs, instr)
			}
		}
	}
	delete(p.clientSubs, c)
}

// Subscribe adds the client to an instrument's fan-out set. Dashes in
// the instrument are accepted as a wire variant of the canonical "/".
func (p *Publisher) Subscribe(c Client, instrument string) {
	instr := canonical(instrument)
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.subs[instr]
	if set == nil {
		set = make(map[Client]struct{})
		p.subs[instr] = set
	}
	set[c] = struct{}{}
	if p.clientSubs[c] == nil {
		p.clientSubs[c] = make(map[string]struct{})
	}
	p.clientSubs[c][instr] = struct{}{}
}

// Unsubscribe removes the client from an instrument's fan-out set.
func (p *Publisher) Unsubscribe(c Client, instrument string) {
	instr := canonical(instrument)
	p.mu.Lock()
	defer p.mu.Unlock()
	if set := p.subs[instr]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(p.subs, instr)
		}
	}
	if subs := p.clientSubs[c]; subs != nil {
		delete(subs, instr)
	}
}

// Subscribers returns the current fan-out set size for an instrument.
func (p *Publisher) Subscribers(instrument string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[canonical(instrument)])
}

// Publish enqueues an event. The fast path never blocks; on a full
// queue it degrades to a blocking put, back-pressuring the producer.
func (p *Publisher) Publish(event Event) {
	select {
	case p.queue <- event:
	default:
		select {
		case p.queue <- event:
		case <-p.stop:
		}
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case event := <-p.queue:
			p.dispatch(event)
		}
	}
}

// dispatch sends to a snapshot of the target set so Unregister can
// proceed concurrently. A failed send unregisters the client.
func (p *Publisher) dispatch(event Event) {
	p.mu.RLock()
	set := p.subs[event.Instrument]
	targets := make([]Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	p.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(event.Data); err != nil {
			log.Debug().Err(err).Str("instrument", event.Instrument).Msg("dropping dead subscriber")
			p.Unregister(c)
		}
	}
}

func canonical(instrument string) string {
	return strings.ReplaceAll(instrument, "-", "/")
}
