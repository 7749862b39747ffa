package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/telehealth-signaling/internal/models"
	"github.com/mossy-p/telehealth-signaling/internal/presence"
)

// Sender is the outbound half of one live connection. TrySend must never
// block; a full send buffer is an error, not a stall.
type Sender interface {
	TrySend(ev models.ServerEvent) error
}

// Dispatcher routes an event to the registered connection of its recipient.
// Delivery is fire and forget: no queueing, no retry. Durable history, if
// wanted, belongs to the persisted-message store, not here.
type Dispatcher struct {
	registry *presence.Registry

	mu    sync.RWMutex
	conns map[string]Sender // connID -> sender
}

func NewDispatcher(registry *presence.Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		conns:    make(map[string]Sender),
	}
}

// Attach makes a connection's sender available for relay.
func (d *Dispatcher) Attach(connID string, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[connID] = s
}

// Detach removes a connection's sender. Safe to call twice.
func (d *Dispatcher) Detach(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, connID)
}

// Relay forwards payload as event to the recipient's registered connection.
// It returns false when the recipient is not reachable; the caller decides
// whether that is worth surfacing to the sender.
func (d *Dispatcher) Relay(event models.EventType, recipientUserID string, payload any) bool {
	connID, ok := d.registry.ConnectionFor(recipientUserID)
	if !ok {
		return false
	}

	d.mu.RLock()
	sender, ok := d.conns[connID]
	d.mu.RUnlock()
	if !ok {
		return false
	}

	if err := sender.TrySend(models.ServerEvent{Event: event, Data: payload}); err != nil {
		log.Warn().Err(err).
			Str("module", "relay").
			Str("event", string(event)).
			Str("to", recipientUserID).
			Msg("dropped outbound event")
		return false
	}
	return true
}
