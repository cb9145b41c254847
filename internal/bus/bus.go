package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haricheung/ops-shell/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus is the observable orchestration event stream. Every node transition,
// token delta and tool boundary passes through it; the UI renders from
// subscriptions and the debug trace writer consumes the tap.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.EventKind][]chan types.Event
	tapCh       chan types.Event
	log         *zap.Logger
}

// New creates a Bus. A nil logger disables drop warnings.
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[types.EventKind][]chan types.Event),
		tapCh:       make(chan types.Event, tapBufSize),
		log:         log.Named("bus"),
	}
}

// Publish stamps ev with an id and timestamp when absent, then fans it out to
// all subscribers of ev.Kind and to the tap channel. Non-blocking: a full
// subscriber channel drops the event with a warning rather than stalling a turn.
func (b *Bus) Publish(ev types.Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[ev.Kind]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("subscriber channel full, event dropped",
				zap.String("kind", string(ev.Kind)), zap.String("node", ev.Node))
		}
	}

	// Tap feeds the trace writer. Non-blocking so a stalled tracer cannot
	// backpressure the orchestrator.
	select {
	case b.tapCh <- ev:
	default:
	}
}

// Subscribe returns a receive-only channel delivering events of the given
// kinds. Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(kinds ...types.EventKind) <-chan types.Event {
	ch := make(chan types.Event, subscriberBufSize)
	b.mu.Lock()
	for _, k := range kinds {
		b.subscribers[k] = append(b.subscribers[k], ch)
	}
	b.mu.Unlock()
	return ch
}

// Tap returns the read-only tap channel carrying every published event.
// Only one consumer should call this; calling it multiple times returns the
// same channel.
func (b *Bus) Tap() <-chan types.Event {
	return b.tapCh
}
