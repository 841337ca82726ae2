// Package bus provides the broadcast fabric that ships typed events to
// connected observers. Events flow from the coordinator, the context
// manager, and tool handlers to subscribers (the gateway's WebSocket
// handler, tests). The bus is nil-safe: calling Publish on a nil *Bus
// is a no-op, so components do not need guard checks.
package bus

import "sync"

// Event type constants. Data holds the corresponding payload.
const (
	// TypeMessage carries a full store.Message record.
	TypeMessage = "message"
	// TypeToken carries a streamed content fragment.
	TypeToken = "token"
	// TypeReasoning carries a streamed reasoning fragment.
	TypeReasoning = "reasoning"
	// TypeState carries a mode+delay snapshot.
	TypeState = "state"
	// TypeNotable carries a store.Notable record.
	TypeNotable = "notable"
	// TypeContextPressure carries a Pressure payload.
	TypeContextPressure = "context_pressure"
	// TypeFSMState carries an FSMState payload.
	TypeFSMState = "fsm_state"
)

// Event is the envelope published to observers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Token is the payload for TypeToken and TypeReasoning events.
type Token struct {
	StreamID string `json:"stream_id"`
	Text     string `json:"text"`
}

// State is the payload for TypeState events.
type State struct {
	Mode  string `json:"mode"`
	Delay string `json:"delay"`
}

// Pressure is the payload for TypeContextPressure events.
type Pressure struct {
	Tokens int     `json:"tokens"`
	Max    int     `json:"max"`
	Ratio  float64 `json:"ratio"`
	Level  string  `json:"level"`
}

// FSMState is the payload for TypeFSMState events.
type FSMState struct {
	State string `json:"state"`
	Turn  int    `json:"turn"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels in publish order. A slow subscriber loses its
// oldest queued event, never the producer's time: when a subscriber's
// buffer is full, Publish evicts the oldest entry to make room.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event
}

// New creates a bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Never blocks: a saturated
// subscriber has its oldest queued event dropped. Safe to call on a nil
// receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Buffer full: evict the oldest entry, then enqueue. The
			// second send can only fail if another publisher refilled
			// the slot, in which case this event is the one dropped.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// Subscribe returns a channel that receives published events in
// publish order. bufSize controls how far a slow observer may lag
// before losing events; 64 is a reasonable default for WebSocket
// consumers. The caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// PublishMessage is a convenience wrapper for the common case of
// broadcasting a message record.
func (b *Bus) PublishMessage(msg any) {
	b.Publish(Event{Type: TypeMessage, Data: msg})
}
