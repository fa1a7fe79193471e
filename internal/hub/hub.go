package hub

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"fleethub/internal/metrics"
	"fleethub/internal/registry"
)

// Observer is one live push-channel client. Send must be safe for
// concurrent use; implementations own any per-connection write locking.
type Observer interface {
	Send(data []byte) error
}

// SnapshotSource provides the full current state sent to a newly registered
// observer.
type SnapshotSource interface {
	Snapshot() registry.Snapshot
}

// Hub fans JSON events out to every registered observer, best-effort. An
// observer whose delivery fails is dropped after the broadcast pass; the
// failure never surfaces to the broadcaster. The observer set is copied
// under the hub lock and delivery happens with the lock released.
type Hub struct {
	log       zerolog.Logger
	snapshots SnapshotSource
	metrics   *metrics.Metrics

	mu        sync.Mutex
	observers map[Observer]struct{}
}

func New(log zerolog.Logger, snapshots SnapshotSource, m *metrics.Metrics) *Hub {
	return &Hub{
		log:       log,
		snapshots: snapshots,
		metrics:   m,
		observers: make(map[Observer]struct{}),
	}
}

// Register adds an observer and immediately sends it the current snapshot
// as a state event, so it never starts from an empty view. If that first
// send fails the observer is dropped and the error returned.
func (h *Hub) Register(obs Observer) error {
	data, err := json.Marshal(State(h.snapshots.Snapshot()))
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.observers[obs] = struct{}{}
	h.mu.Unlock()
	h.metrics.ObserverConnected()

	if err := obs.Send(data); err != nil {
		h.Unregister(obs)
		return err
	}
	return nil
}

// Unregister removes an observer. It is a no-op if the observer is already
// gone.
func (h *Hub) Unregister(obs Observer) {
	h.mu.Lock()
	_, present := h.observers[obs]
	delete(h.observers, obs)
	h.mu.Unlock()

	if present {
		h.metrics.ObserverDisconnected()
	}
}

// Broadcast serializes event once and delivers it to every observer
// registered at the start of the call. Observers whose send fails are
// removed after the pass and not retried.
func (h *Hub) Broadcast(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal broadcast event")
		return
	}

	h.mu.Lock()
	targets := make([]Observer, 0, len(h.observers))
	for obs := range h.observers {
		targets = append(targets, obs)
	}
	h.mu.Unlock()

	var stale []Observer
	for _, obs := range targets {
		if err := obs.Send(data); err != nil {
			stale = append(stale, obs)
		}
	}

	for _, obs := range stale {
		h.log.Debug().Msg("dropping stale observer")
		h.Unregister(obs)
	}
}

// ObserverCount reports the number of currently registered observers.
func (h *Hub) ObserverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}
