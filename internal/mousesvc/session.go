package mousesvc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/icprog/usbMouse/internal/mousesvc/usb"
	"github.com/icprog/usbMouse/pkg/bus"
	"github.com/icprog/usbMouse/pkg/hiddesc"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ConnectionState tracks where a session is in its connect/poll/reconnect
// cycle. There is no terminal state; a session runs for the process
// lifetime.
type ConnectionState uint8

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type SessionEventType uint8

const (
	SessionConnected SessionEventType = iota
	SessionDisconnected
)

// SessionEvent is published on the session bus whenever a session gains or
// loses its device.
type SessionEvent struct {
	Type     SessionEventType
	Identity usb.Identity
	Strings  usb.Strings
}

// Matches the raw report buffer of the reference hardware; boot mice
// produce 3-8 byte reports.
const reportBufferSize = 80

// defaultPollInterval applies until an operator interval or a
// device-derived interval takes over.
const defaultPollInterval = 10 * time.Millisecond

// Session binds one configured device identity to its live connection and
// polling state. A single goroutine (run) owns the state machine; fields
// shared with diagnostic readers are guarded by mu.
type Session struct {
	log      *zap.Logger
	port     string
	identity usb.Identity
	backend  usb.Backend
	clock    Clock
	backoff  time.Duration
	events   bus.Publisher[SessionEvent]
	notifier *Notifier

	// useDeviceInterval selects the endpoint-derived poll interval over an
	// operator-configured one.
	useDeviceInterval bool

	packetCount atomic.Uint64

	mu           sync.Mutex
	state        ConnectionState
	dev          usb.Device
	config       usb.Config
	strings      usb.Strings
	descriptor   []hiddesc.Item
	pollInterval time.Duration
	buf          [reportBufferSize]byte
	nRead        int

	// Touched only by the polling goroutine; fan-out is serialized by that
	// goroutine being single.
	prev           MouseState
	cur            MouseState
	firstDelivered bool
}

func newSession(log *zap.Logger, port string, identity usb.Identity, backend usb.Backend, clock Clock, backoff, pollInterval time.Duration, events bus.Publisher[SessionEvent]) *Session {
	s := &Session{
		log:      log,
		port:     port,
		identity: identity,
		backend:  backend,
		clock:    clock,
		backoff:  backoff,
		events:   events,
		notifier: newNotifier(log),
	}
	if pollInterval <= 0 {
		s.useDeviceInterval = true
		s.pollInterval = defaultPollInterval
	} else {
		s.pollInterval = pollInterval
	}
	return s
}

// Subscribe registers a callback for one subscription address. See the
// Addr constants for the address semantics.
func (s *Session) Subscribe(addr int, fn Callback) {
	s.notifier.Subscribe(addr, fn)
}

func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) PacketCount() uint64 {
	return s.packetCount.Load()
}

// run drives the connect/poll/reconnect loop until ctx is cancelled. The
// first connect attempt happens immediately; every later attempt waits out
// the fixed backoff first. Retries are unbounded.
func (s *Session) run(ctx context.Context) {
	if err := s.connect(ctx); err != nil {
		s.log.Error("Initial connect failed", zap.Error(err))
	}
	for {
		for s.State() == Connected {
			if err := s.pollOnce(); err != nil {
				s.handleTransferError(ctx, err)
				break
			}
			if err := s.clock.Sleep(ctx, s.currentPollInterval()); err != nil {
				return
			}
		}
		if err := s.clock.Sleep(ctx, s.backoff); err != nil {
			return
		}
		if err := s.connect(ctx); err != nil {
			s.log.Error("Reconnect failed", zap.Error(err))
		}
	}
}

// connect walks the configuration sequence. Device lookup, open and the
// active-config fetch are mandatory; kernel-driver detach, interface claim,
// descriptor and string fetches are best-effort.
func (s *Session) connect(ctx context.Context) error {
	s.setState(Connecting)

	dev, err := s.backend.Open(s.identity)
	if err != nil {
		s.setState(Disconnected)
		return err
	}

	if err := dev.DetachKernelDriver(); err != nil {
		s.log.Warn("Failed to detach kernel driver", zap.Error(err))
	}
	if err := dev.ClaimInterface(); err != nil {
		s.log.Warn("Failed to claim interface", zap.Error(err))
	}

	cfg, err := dev.ActiveConfig()
	if err != nil {
		dev.Close()
		s.setState(Disconnected)
		return fmt.Errorf("failed to get active configuration: %w", err)
	}
	if len(cfg.Interfaces) == 0 {
		dev.Close()
		s.setState(Disconnected)
		return fmt.Errorf("active configuration has no interfaces")
	}
	intf := cfg.Interfaces[0]

	pollInterval := s.currentPollInterval()
	if s.useDeviceInterval {
		if len(intf.Endpoints) > 0 && intf.Endpoints[0].Interval > 0 {
			pollInterval = devicePollInterval(intf.Endpoints[0].Interval)
		} else {
			s.log.Warn("Endpoint poll interval unavailable, keeping default",
				zap.Duration("interval", pollInterval))
		}
	}

	var items []hiddesc.Item
	if intf.Class == usb.ClassHID {
		if length, ok := reportDescriptorLength(intf.Extra); ok {
			raw, err := dev.ReportDescriptor(length)
			if err != nil {
				s.log.Error("Failed to fetch report descriptor", zap.Error(err))
			} else {
				items = hiddesc.Parse(raw)
			}
		} else {
			s.log.Debug("Interface carries no report descriptor reference")
		}
	} else {
		s.log.Error("Interface class is not HID", zap.Uint8("class", intf.Class))
	}

	strs, diags := dev.Strings()
	for _, diag := range diags {
		s.log.Warn("String descriptor unavailable", zap.Error(diag))
	}

	s.mu.Lock()
	s.dev = dev
	s.config = cfg
	s.strings = strs
	s.descriptor = items
	s.pollInterval = pollInterval
	s.state = Connected
	s.mu.Unlock()
	s.firstDelivered = false

	s.events(ctx, SessionEvent{
		Type:     SessionConnected,
		Identity: s.identity,
		Strings:  strs,
	})
	s.log.Info("Connected",
		zap.String("manufacturer", strs.Manufacturer),
		zap.String("product", strs.Product),
		zap.Duration("pollInterval", pollInterval))
	return nil
}

// pollOnce performs one input-report transfer and fans the resulting state
// change out to subscribers. A failed transfer is fatal to the connection.
func (s *Session) pollOnce() error {
	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()
	if dev == nil {
		return fmt.Errorf("not connected")
	}

	// The transfer runs outside mu; diagnostic readers snapshot s.buf under
	// the lock, so the device must not write into it directly.
	var buf [reportBufferSize]byte
	n, err := dev.GetInputReport(buf[:])
	if err != nil {
		return err
	}

	s.mu.Lock()
	copy(s.buf[:], buf[:n])
	s.nRead = n
	s.cur.apply(buf[:n])
	prev, cur := s.prev, s.cur
	s.mu.Unlock()

	s.notifier.publish(prev, cur, !s.firstDelivered)
	s.prev = cur
	s.firstDelivered = true
	s.packetCount.Inc()
	return nil
}

func (s *Session) handleTransferError(ctx context.Context, err error) {
	s.log.Error("Input transfer failed", zap.Error(err))
	s.mu.Lock()
	dev := s.dev
	s.dev = nil
	s.state = Disconnected
	s.mu.Unlock()
	if dev != nil {
		dev.Close()
	}
	s.events(ctx, SessionEvent{
		Type:     SessionDisconnected,
		Identity: s.identity,
	})
}

func (s *Session) setState(state ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) currentPollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollInterval
}

// devicePollInterval computes the interval from the endpoint's bInterval
// field: 125us * 2^(bInterval-1).
func devicePollInterval(bInterval uint8) time.Duration {
	return 125 * time.Microsecond << (bInterval - 1)
}

// reportDescriptorLength validates the HID class descriptor found in the
// interface extra bytes and extracts the declared Report Descriptor length.
// The descriptor must be at least 9 bytes, no longer than the buffer that
// holds it, tagged as a HID descriptor, and must announce at least one
// sub-descriptor of type Report.
func reportDescriptorLength(extra []byte) (int, bool) {
	if len(extra) < 9 {
		return 0, false
	}
	if int(extra[0]) > len(extra) {
		return 0, false
	}
	if extra[1] != usb.DescriptorTypeHID {
		return 0, false
	}
	if extra[5] < 1 {
		return 0, false
	}
	if extra[6] != usb.DescriptorTypeReport {
		return 0, false
	}
	return int(extra[8])<<8 | int(extra[7]), true
}
