// Package mousesvc polls USB HID mice and republishes their state to
// subscribers. One session per configured port owns the device's
// connect/poll/reconnect lifecycle; subscribers register callbacks per
// field address and receive exactly one callback per real change.
package mousesvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/icprog/usbMouse/internal/configsvc"
	"github.com/icprog/usbMouse/internal/mousesvc/usb"
	"github.com/icprog/usbMouse/pkg/bus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

type SessionBus = bus.Bus[string, SessionEvent]

// DefaultBackoff is the fixed delay between reconnection attempts. There
// is no exponential growth and no attempt limit.
const DefaultBackoff = 10 * time.Second

var ErrPortNotFound = errors.New("port not found")

// PortsConfig is the on-disk shape of ports.yml.
type PortsConfig struct {
	Ports []PortConfig `json:"ports"`
}

// PortConfig describes one logical port bound to a physical device.
type PortConfig struct {
	Name      string `json:"name"`
	VendorID  uint16 `json:"vendorId"`
	ProductID uint16 `json:"productId"`
	Interface int    `json:"interface"`
	// Backend selects the transport: "gousb" (default) or "hidapi".
	Backend string `json:"backend"`
	// PollIntervalMs <= 0 selects the device-derived poll interval.
	PollIntervalMs int `json:"pollIntervalMs"`
	// Priority is accepted for configuration compatibility; goroutines are
	// not priority-scheduled, so values <= 0 and > 0 behave alike.
	Priority int `json:"priority"`
}

func (p PortConfig) identity() usb.Identity {
	return usb.Identity{
		VendorID:  p.VendorID,
		ProductID: p.ProductID,
		Interface: p.Interface,
	}
}

var defaultOptions = serviceOptions{
	backends: make(map[string]usb.Backend),
	backoff:  DefaultBackoff,
	clock:    wallClock{},
}

type serviceOptions struct {
	backends map[string]usb.Backend
	backoff  time.Duration
	clock    Clock
}

type Option func(*serviceOptions)

func WithBackend(name string, backend usb.Backend) Option {
	return func(o *serviceOptions) {
		o.backends[name] = backend
	}
}

func WithBackoff(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.backoff = d
	}
}

func WithClock(c Clock) Option {
	return func(o *serviceOptions) {
		o.clock = c
	}
}

// Service owns the configured ports and their sessions. Sessions are
// created when a port first appears in the configuration and live for the
// process lifetime.
type Service struct {
	log       *zap.Logger
	db        *badger.DB
	configSvc *configsvc.Service
	portsPath string
	now       func() time.Time
	options   serviceOptions
	ready     chan struct{}

	sessionBus *SessionBus
	sessions   *xsync.MapOf[string, *Session]
}

func New(db *badger.DB, log *zap.Logger, configSvc *configsvc.Service, portsPath string, now func() time.Time, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		db:         db,
		log:        log,
		configSvc:  configSvc,
		portsPath:  portsPath,
		now:        now,
		options:    options,
		ready:      make(chan struct{}),
		sessionBus: bus.NewBus[string, SessionEvent](log),
		sessions:   xsync.NewMapOf[string, *Session](),
	}
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) Start(ctx context.Context) error {
	err := s.sessionBus.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session bus: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil
	case <-s.sessionBus.Ready():
	}
	s.consumeEvents(ctx)

	select {
	case <-ctx.Done():
		return nil
	case <-s.configSvc.Ready():
	}
	cfg, err := configsvc.Register(s.configSvc, s.portsPath, PortsConfig{}, func(cfg PortsConfig, err error) {
		s.onConfigChange(ctx, cfg, err)
	})
	if err != nil {
		return fmt.Errorf("failed to register ports config: %w", err)
	}
	for _, port := range cfg.Ports {
		if err := s.startPort(ctx, port); err != nil {
			s.log.Error("Failed to start port", zap.String("port", port.Name), zap.Error(err))
		}
	}

	close(s.ready)
	s.log.Info("Mouse service started", zap.Int("ports", len(cfg.Ports)))
	<-ctx.Done()
	return nil
}

// startPort creates and launches a session for one configured port. Ports
// already running are left untouched.
func (s *Service) startPort(ctx context.Context, port PortConfig) error {
	if port.Name == "" {
		return fmt.Errorf("port has no name")
	}
	backendName := port.Backend
	if backendName == "" {
		backendName = "gousb"
	}
	backend, ok := s.options.backends[backendName]
	if !ok {
		return fmt.Errorf("unknown backend %q", backendName)
	}
	sess := newSession(
		s.log.Named(port.Name),
		port.Name,
		port.identity(),
		backend,
		s.options.clock,
		s.options.backoff,
		time.Duration(port.PollIntervalMs)*time.Millisecond,
		s.sessionBus.CreatePublisher(port.Name),
	)
	if _, loaded := s.sessions.LoadOrStore(port.Name, sess); loaded {
		return fmt.Errorf("port %q already running", port.Name)
	}
	go sess.run(ctx)
	return nil
}

// onConfigChange starts sessions for newly added ports. Running sessions
// are bound to their device for the process lifetime, so edits and
// removals only take effect on restart.
func (s *Service) onConfigChange(ctx context.Context, cfg PortsConfig, err error) {
	if err != nil {
		s.log.Error("Failed to parse ports config", zap.Error(err))
		return
	}
	for _, port := range cfg.Ports {
		if _, ok := s.sessions.Load(port.Name); ok {
			continue
		}
		s.log.Info("Port added at runtime", zap.String("port", port.Name))
		if err := s.startPort(ctx, port); err != nil {
			s.log.Error("Failed to start port", zap.String("port", port.Name), zap.Error(err))
		}
	}
	s.sessions.Range(func(name string, _ *Session) bool {
		for _, port := range cfg.Ports {
			if port.Name == name {
				return true
			}
		}
		s.log.Warn("Port removed from config; session keeps running until restart", zap.String("port", name))
		return true
	})
}

func (s *Service) consumeEvents(ctx context.Context) {
	go func() {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch := s.sessionBus.Subscribe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				s.handleSessionEvent(msg.Key, msg.Message)
			}
		}
	}()
}

func (s *Service) handleSessionEvent(port string, event SessionEvent) {
	switch event.Type {
	case SessionConnected:
		s.log.Debug("Session connected", zap.String("port", port), zap.String("device", event.Identity.String()))
		if err := s.recordConnect(port, event); err != nil {
			s.log.Error("Failed to record device", zap.Error(err))
		}
	case SessionDisconnected:
		s.log.Debug("Session disconnected", zap.String("port", port), zap.String("device", event.Identity.String()))
	}
}

// Ports returns the names of all running ports.
func (s *Service) Ports() []string {
	var names []string
	s.sessions.Range(func(name string, _ *Session) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Session returns the session bound to the named port.
func (s *Service) Session(port string) (*Session, error) {
	sess, ok := s.sessions.Load(port)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPortNotFound, port)
	}
	return sess, nil
}

// Subscribe registers a callback on a port's session. See the Addr
// constants for the address semantics.
func (s *Service) Subscribe(port string, addr int, fn Callback) error {
	sess, err := s.Session(port)
	if err != nil {
		return err
	}
	sess.Subscribe(addr, fn)
	return nil
}

// Report writes a human-readable diagnostic dump for the named port.
func (s *Service) Report(w io.Writer, port string, details int) error {
	sess, err := s.Session(port)
	if err != nil {
		return err
	}
	sess.Report(w, details)
	return nil
}
