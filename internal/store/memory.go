// Package store provides the persistence adapters of the decision core:
// occurrence logs (rate limiting) and confirmed experiment assignments.
//
// Backends: in-memory (tests, CLI), SQLite (on-device), Redis (shared
// occurrence log) and PostgreSQL (shared confirmed assignments).
package store

import (
	"context"
	"sync"
	"time"

	"github.com/rafaeljc/paygate/internal/assignment"
	"github.com/rafaeljc/paygate/internal/occurrence"
	"github.com/rafaeljc/paygate/internal/trigger"
)

// Compile-time checks.
var (
	_ occurrence.AtomicStore = (*Memory)(nil)
	_ assignment.Store       = (*Memory)(nil)
)

// Memory keeps occurrences and confirmed assignments in process memory.
type Memory struct {
	mu          sync.Mutex
	occurrences map[string][]time.Time
	confirmed   map[string]trigger.Variant
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		occurrences: make(map[string][]time.Time),
		confirmed:   make(map[string]trigger.Variant),
	}
}

// CountSince counts occurrences of key recorded at or after since.
func (m *Memory) CountSince(_ context.Context, key string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(key, since), nil
}

// Record appends an occurrence of key.
func (m *Memory) Record(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.occurrences[key] = append(m.occurrences[key], at)
	return nil
}

// RecordIfBelow records an occurrence only while the window holds fewer than
// max. Occurrences before a non-zero since are dropped.
func (m *Memory) RecordIfBelow(_ context.Context, key string, since, at time.Time, max int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !since.IsZero() {
		m.pruneLocked(key, since)
	}
	if m.countLocked(key, since) >= max {
		return false, nil
	}
	m.occurrences[key] = append(m.occurrences[key], at)
	return true, nil
}

func (m *Memory) pruneLocked(key string, since time.Time) {
	kept := m.occurrences[key][:0]
	for _, at := range m.occurrences[key] {
		if !at.Before(since) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(m.occurrences, key)
		return
	}
	m.occurrences[key] = kept
}

func (m *Memory) countLocked(key string, since time.Time) int {
	count := 0
	for _, at := range m.occurrences[key] {
		if !at.Before(since) {
			count++
		}
	}
	return count
}

// ReadConfirmed returns a copy of the confirmed assignments.
func (m *Memory) ReadConfirmed(_ context.Context) (map[string]trigger.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]trigger.Variant, len(m.confirmed))
	for k, v := range m.confirmed {
		out[k] = v
	}
	return out, nil
}

// PersistConfirmed stores the variant unless the experiment is already
// confirmed, and returns the variant that is stored afterwards.
func (m *Memory) PersistConfirmed(_ context.Context, experimentID string, v trigger.Variant) (trigger.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.confirmed[experimentID]; ok {
		return existing, nil
	}
	m.confirmed[experimentID] = v
	return v, nil
}
