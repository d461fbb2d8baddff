// Package event is the in-process lifecycle notification bus. Every
// command transition is published; subscribers consume on their own
// bounded queues, so one slow listener never stalls the pipeline.
package event

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type names a lifecycle notification.
type Type string

const (
	TypeSubmitted         Type = "submitted"
	TypeRuleBlocked       Type = "rule-blocked"
	TypeClassified        Type = "classified"
	TypeApprovalRequested Type = "approval-requested"
	TypeApproved          Type = "approved"
	TypeDenied            Type = "denied"
	TypeExpired           Type = "expired"
	TypeEscalated         Type = "escalated"
	TypeExecutionStarted  Type = "execution-started"
	TypeExecutionFinished Type = "execution-finished"
	TypeRolledBack        Type = "rolled-back"
	TypeRuleModified      Type = "rule-modified"
)

// Event is one notification. Detail is always credential-masked by the
// publisher before it enters the bus.
type Event struct {
	Type      Type      `json:"type"`
	CommandID string    `json:"command_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Policy decides what happens when a subscriber queue is full.
type Policy int

const (
	// DropOldest discards the oldest queued event to admit the new one.
	// The default: the pipeline never blocks on listeners.
	DropOldest Policy = iota
	// Block makes Publish wait for queue space. Only for subscribers
	// that must see every event and drain promptly.
	Block
)

// DefaultBuffer is the subscriber queue depth when none is given.
const DefaultBuffer = 64

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
	log  *logrus.Logger
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	policy Policy
	types  map[Type]bool
	closed bool
}

// NewBus returns an empty bus.
func NewBus(log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.New()
	}
	return &Bus{subs: make(map[int]*subscriber), log: log}
}

// Subscribe registers a listener. With no types given, every event is
// delivered. The returned cancel function closes the channel; pending
// queued events are still readable until drained.
func (b *Bus) Subscribe(buffer int, policy Policy, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer), policy: policy}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to every interested subscriber, honoring
// each one's overflow policy.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		if dropped := s.deliver(e); dropped {
			b.log.WithField("type", string(e.Type)).Debug("subscriber queue full, dropped oldest event")
		}
	}
}

// deliver enqueues under the subscriber lock so a concurrent cancel
// never closes the channel mid-send.
func (s *subscriber) deliver(e Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.policy == Block {
		s.ch <- e
		return false
	}
	for {
		select {
		case s.ch <- e:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}
