package mousesvc

import (
	"sync"

	"go.uber.org/zap"
)

// Subscription addresses. 0 through 7 select individual button bits; the
// remaining addresses select the motion accumulators.
const (
	AddrButtonFirst = 0
	AddrButtonLast  = 7
	AddrX           = 10
	AddrY           = 11
	AddrWheel       = 12
)

// Callback receives the new value of a subscribed field. Callbacks run on
// the polling goroutine and must not block or perform USB I/O.
type Callback func(value int)

type registration struct {
	addr int
	fn   Callback
}

// Notifier fans state changes out to registered callbacks. Registrations
// are append-only and fire in insertion order, at most once per poll.
type Notifier struct {
	log *zap.Logger

	mu   sync.Mutex
	regs []registration
}

func newNotifier(log *zap.Logger) *Notifier {
	return &Notifier{log: log}
}

// Subscribe registers fn for the given address. Registration is safe to
// call concurrently with a fan-out pass.
func (n *Notifier) Subscribe(addr int, fn Callback) {
	n.mu.Lock()
	n.regs = append(n.regs, registration{addr: addr, fn: fn})
	n.mu.Unlock()
}

// publish invokes callbacks for fields that changed between prev and cur.
// On the first sample after a connect every valid subscription fires
// regardless, so subscribers always receive an initial value. Callbacks run
// outside the registry lock; the polling goroutine being single keeps
// passes serialized.
func (n *Notifier) publish(prev, cur MouseState, firstSample bool) {
	n.mu.Lock()
	regs := make([]registration, len(n.regs))
	copy(regs, n.regs)
	n.mu.Unlock()

	for _, reg := range regs {
		switch {
		case reg.addr >= AddrButtonFirst && reg.addr <= AddrButtonLast:
			bit := uint8(1) << reg.addr
			if (prev.Buttons^cur.Buttons)&bit != 0 || firstSample {
				value := 0
				if cur.Buttons&bit != 0 {
					value = 1
				}
				reg.fn(value)
			}
		case reg.addr == AddrX:
			if cur.X != prev.X || firstSample {
				reg.fn(cur.X)
			}
		case reg.addr == AddrY:
			if cur.Y != prev.Y || firstSample {
				reg.fn(cur.Y)
			}
		case reg.addr == AddrWheel:
			if cur.Wheel != prev.Wheel || firstSample {
				reg.fn(cur.Wheel)
			}
		default:
			if firstSample {
				n.log.Warn("subscription on invalid address", zap.Int("addr", reg.addr))
			}
		}
	}
}
