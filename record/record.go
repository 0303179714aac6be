// Package record defines transaction persistence: one record per
// gateway transaction capturing the request and response on both sides
// of the policy chain, plus the event log. Implementations are
// best-effort from the pipeline's point of view; write failures are
// logged and never surfaced to the client.
package record

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/luthienresearch/luthien/events"
	"github.com/luthienresearch/luthien/model"
)

// Transaction status values.
const (
	StatusCompleted  = "completed"
	StatusTerminated = "terminated"
	StatusFailed     = "failed"
)

type (
	// Transaction is the persisted view of one gateway call. The
	// original/final pairs record what the client sent versus what went
	// upstream, and what came back versus what the client received.
	Transaction struct {
		// TransactionID equals the call_id echoed to the client.
		TransactionID string `json:"transaction_id"`
		// SessionID groups transactions from one agent session.
		SessionID string `json:"session_id,omitempty"`
		// ClientFormat is the dialect the client spoke ("openai" or
		// "anthropic").
		ClientFormat string `json:"client_format"`
		// PolicyClass names the active policy configuration.
		PolicyClass string `json:"policy_class,omitempty"`
		// Model is the requested model name.
		Model string `json:"model"`
		// Streaming reports whether the client asked for a stream.
		Streaming bool `json:"streaming"`

		// OriginalRequest is the canonical request as parsed from the
		// client, before policies ran.
		OriginalRequest *model.Request `json:"original_request,omitempty"`
		// FinalRequest is what was sent upstream.
		FinalRequest *model.Request `json:"final_request,omitempty"`
		// OriginalResponse is the assembled upstream response.
		OriginalResponse *model.Response `json:"original_response,omitempty"`
		// FinalResponse is what the client received.
		FinalResponse *model.Response `json:"final_response,omitempty"`

		// Status is one of the Status* constants.
		Status string `json:"status"`
		// Error holds the failure message when Status is failed.
		Error string `json:"error,omitempty"`

		// StartedAt is when the request entered the pipeline.
		StartedAt time.Time `json:"started_at"`
		// CompletedAt is when the final response left the pipeline.
		CompletedAt time.Time `json:"completed_at,omitempty"`
	}

	// Store persists transactions and events. RecordTransaction is an
	// upsert keyed by TransactionID so phase-by-phase writes for the
	// same transaction converge on one record.
	Store interface {
		RecordTransaction(ctx context.Context, tx *Transaction) error
		RecordEvent(ctx context.Context, ev events.Event) error
	}
)

// MemoryStore keeps records in memory, for tests and development.
type MemoryStore struct {
	mu           sync.Mutex
	transactions map[string]Transaction
	order        []string
	events       []events.Event
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transactions: make(map[string]Transaction)}
}

// RecordTransaction upserts the transaction.
func (s *MemoryStore) RecordTransaction(_ context.Context, tx *Transaction) error {
	if tx == nil || tx.TransactionID == "" {
		return errors.New("transaction id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[tx.TransactionID]; !ok {
		s.order = append(s.order, tx.TransactionID)
	}
	s.transactions[tx.TransactionID] = *tx
	return nil
}

// RecordEvent appends the event.
func (s *MemoryStore) RecordEvent(_ context.Context, ev events.Event) error {
	if ev.TransactionID == "" {
		return errors.New("transaction id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Transaction returns the stored record for the given id.
func (s *MemoryStore) Transaction(id string) (Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	return tx, ok
}

// Transactions returns all records in first-write order.
func (s *MemoryStore) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.transactions[id])
	}
	return out
}

// Events returns a copy of the recorded events.
func (s *MemoryStore) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsFor returns the events recorded for one transaction.
func (s *MemoryStore) EventsFor(transactionID string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.events {
		if ev.TransactionID == transactionID {
			out = append(out, ev)
		}
	}
	return out
}
