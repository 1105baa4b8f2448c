package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rafaeljc/paygate/internal/state"
)

// ErrNoConfig is returned by Wait when config retrieval failed and no
// snapshot is available.
var ErrNoConfig = errors.New("no config available")

// Status is the retrieval state of the config.
type Status int

const (
	StatusRetrieving Status = iota
	StatusRetrieved
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRetrieving:
		return "retrieving"
	case StatusRetrieved:
		return "retrieved"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// State is the observable value of a Holder.
type State struct {
	Status   Status
	Snapshot *Snapshot
	Err      error
}

// Holder owns the current snapshot.
type Holder struct {
	cell *state.Cell[State]

	mu   sync.Mutex
	subs map[chan string]struct{}
}

// NewHolder creates a holder in the retrieving state.
func NewHolder() *Holder {
	return &Holder{
		cell: state.NewCell(State{Status: StatusRetrieving}),
		subs: make(map[chan string]struct{}),
	}
}

// Publish makes s the current snapshot. It returns false, changing
// nothing, when s has the ETag of the current snapshot.
func (h *Holder) Publish(s *Snapshot) bool {
	published := false
	h.cell.Update(func(cur State) State {
		if cur.Snapshot != nil && cur.Snapshot.ETag == s.ETag && cur.Status == StatusRetrieved {
			return cur
		}
		published = true
		return State{Status: StatusRetrieved, Snapshot: s}
	})

	if !published {
		return false
	}
	h.notify(s.ETag)
	return true
}

// Fail records a retrieval failure. A previously published snapshot stays
// current; the holder only turns to StatusFailed when it has none.
func (h *Holder) Fail(err error) {
	h.cell.Update(func(cur State) State {
		if cur.Snapshot != nil {
			cur.Err = err
			return cur
		}
		return State{Status: StatusFailed, Err: err}
	})
}

// Current returns the current snapshot, nil before the first Publish.
func (h *Holder) Current() *Snapshot {
	return h.cell.Get().Snapshot
}

// State returns the current state.
func (h *Holder) State() State {
	return h.cell.Get()
}

// Wait blocks until a snapshot is available or retrieval failed.
func (h *Holder) Wait(ctx context.Context) (*Snapshot, error) {
	st, err := h.cell.Wait(ctx, func(s State) bool {
		return s.Status != StatusRetrieving
	})
	if err != nil {
		return nil, err
	}
	if st.Status == StatusFailed {
		return nil, fmt.Errorf("%w: %w", ErrNoConfig, st.Err)
	}
	return st.Snapshot, nil
}

// Subscribe registers a listener for new ETags and returns its channel and
// an unsubscribe func. Slow listeners miss intermediate ETags.
func (h *Holder) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, unsub
}

// notify publishes etag to every listener without blocking.
func (h *Holder) notify(etag string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- etag:
		default:
		}
	}
}
