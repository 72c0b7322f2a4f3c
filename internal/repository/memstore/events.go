package memstore

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type EventStore struct {
	s *Store
}

func (e *EventStore) MarkProcessedTx(_ context.Context, tx pgx.Tx, eventID, eventType string) (bool, error) {
	t, err := e.s.txOf(tx)
	if err != nil {
		return false, err
	}
	defer e.s.mu.Unlock()
	if _, ok := e.s.events[eventID]; ok {
		return false, nil
	}
	e.s.events[eventID] = eventType
	t.onRollback(func() { delete(e.s.events, eventID) })
	return true, nil
}

// Processed reports whether the event id has been recorded.
func (e *EventStore) Processed(eventID string) bool {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	_, ok := e.s.events[eventID]
	return ok
}

// Count is the number of recorded events.
func (e *EventStore) Count() int {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return len(e.s.events)
}
