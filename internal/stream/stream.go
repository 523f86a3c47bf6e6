// Package stream fans ledger events out to live subscribers so dashboards
// can watch balances move without polling the transactions endpoint.
package stream

import (
	"context"
	"sync"
	"time"
)

// LedgerEvent is the wire form of one committed ledger entry.
type LedgerEvent struct {
	TransactionID  string    `json:"transaction_id"`
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id,omitempty"`
	Type           string    `json:"type"`
	ActionType     string    `json:"action_type,omitempty"`
	Amount         int64     `json:"amount"`
	BalanceAfter   int64     `json:"balance_after"`
	Timestamp      time.Time `json:"timestamp"`
}

type subscriber struct {
	ch    chan LedgerEvent
	orgID string
}

// Stream fan-outs ledger events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for one organization's events (or all
// events when orgID is empty). The channel closes when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, orgID string) <-chan LedgerEvent {
	ch := make(chan LedgerEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, orgID: orgID}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to matching subscribers.
func (s *Stream) Publish(evt LedgerEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.orgID != "" && sub.orgID != evt.OrganizationID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
