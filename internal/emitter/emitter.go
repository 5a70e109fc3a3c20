// Package emitter implements exactly-once signal delivery: an in-memory
// dedup set backed by the signal store's uniqueness constraint, fanning
// out to delivery sinks only after a durable insert succeeds.
package emitter

import (
	"fmt"
	"sync"

	"breakout-engine/internal/signalstore"
	"breakout-engine/internal/sink"
	"breakout-engine/internal/types"
)

// Result is the outcome of one emit_if_new call.
type Result string

const (
	Emitted   Result = "emitted"
	Duplicate Result = "duplicate"
)

// StoreError wraps a durability failure from the signal store. The
// emitter refuses to emit and surfaces this to the coordinator; the
// plan remains in its pre-emission terminal state and will retry on the
// next tick.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("emitter: store error: %v", e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// Store is the durability interface the emitter depends on.
type Store interface {
	Insert(sig types.Signal) error
	AllKeys() ([]types.SignalKey, error)
}

// Emitter is the single point of idempotent signal emission. It must be
// constructed once per process; its dedup set is shared across every
// instrument worker.
type Emitter struct {
	mu      sync.Mutex
	seen    map[types.SignalKey]struct{}
	store   Store
	manager *sink.Manager
}

// New builds an Emitter and reseeds its in-memory dedup set from the
// store so idempotency survives restarts.
func New(store Store, manager *sink.Manager) (*Emitter, error) {
	e := &Emitter{
		seen:    make(map[types.SignalKey]struct{}),
		store:   store,
		manager: manager,
	}
	keys, err := store.AllKeys()
	if err != nil {
		return nil, fmt.Errorf("emitter: reseed from store: %w", err)
	}
	for _, k := range keys {
		e.seen[k] = struct{}{}
	}
	return e, nil
}

// EmitIfNew attempts to durably record and dispatch sig exactly once.
// Steps: check the in-memory set, attempt the store insert, add the key
// on success, then dispatch to sinks. Sink failures are logged by the
// caller (via the returned error) but never roll back the store insert.
func (e *Emitter) EmitIfNew(sig types.Signal) (Result, error) {
	key := sig.Key()

	e.mu.Lock()
	if _, ok := e.seen[key]; ok {
		e.mu.Unlock()
		return Duplicate, nil
	}
	e.mu.Unlock()

	err := e.store.Insert(sig)
	if err != nil {
		if dup, ok := err.(*signalstore.DuplicateKeyError); ok {
			_ = dup
			e.mu.Lock()
			e.seen[key] = struct{}{}
			e.mu.Unlock()
			return Duplicate, nil
		}
		return "", &StoreError{Err: err}
	}

	e.mu.Lock()
	e.seen[key] = struct{}{}
	e.mu.Unlock()

	var dispatchErr error
	if e.manager != nil {
		dispatchErr = e.manager.Dispatch(sig)
	}
	return Emitted, dispatchErr
}
