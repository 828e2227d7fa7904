package mousesvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/icprog/usbMouse/internal/mousesvc/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	sleeps    []time.Duration
	maxSleeps int
	cancel    context.CancelFunc
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	n := len(c.sleeps)
	c.mu.Unlock()
	if c.maxSleeps > 0 && n >= c.maxSleeps {
		c.cancel()
	}
	return ctx.Err()
}

// hidExtra builds a valid HID class descriptor announcing a report
// descriptor of the given length.
func hidExtra(length int) []byte {
	return []byte{9, usb.DescriptorTypeHID, 0x11, 0x01, 0, 1, usb.DescriptorTypeReport, byte(length), byte(length >> 8)}
}

var testDescriptor = []byte{0x05, 0x01, 0x09, 0x02}

func hidConfig() usb.Config {
	return usb.Config{
		MaxPowerMilliamps: 100,
		Interfaces: []usb.Interface{{
			Number: 0,
			Class:  usb.ClassHID,
			Extra:  hidExtra(len(testDescriptor)),
			Endpoints: []usb.Endpoint{{
				Address:       0x81,
				Attributes:    0x03,
				MaxPacketSize: 4,
				Interval:      4,
			}},
		}},
	}
}

type fakeDevice struct {
	mu              sync.Mutex
	config          usb.Config
	configErr       error
	detachErr       error
	claimErr        error
	descriptor      []byte
	descriptorReads int
	// reports is consumed one entry per GetInputReport call; a nil entry
	// produces a transfer error.
	reports [][]byte
	closed  bool
}

func (d *fakeDevice) DetachKernelDriver() error { return d.detachErr }
func (d *fakeDevice) ClaimInterface() error     { return d.claimErr }

func (d *fakeDevice) ActiveConfig() (usb.Config, error) {
	if d.configErr != nil {
		return usb.Config{}, d.configErr
	}
	return d.config, nil
}

func (d *fakeDevice) ReportDescriptor(length int) ([]byte, error) {
	d.mu.Lock()
	d.descriptorReads++
	d.mu.Unlock()
	if length > len(d.descriptor) {
		return nil, fmt.Errorf("short report descriptor read: %d of %d bytes", len(d.descriptor), length)
	}
	return d.descriptor[:length], nil
}

func (d *fakeDevice) Strings() (usb.Strings, []error) {
	return usb.Strings{Manufacturer: "ACME", Product: "Roller", SerialNumber: usb.Placeholder},
		[]error{errors.New("failed to fetch serial number string")}
}

func (d *fakeDevice) GetInputReport(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.reports) == 0 {
		return 0, errors.New("control transfer failed: no device")
	}
	report := d.reports[0]
	d.reports = d.reports[1:]
	if report == nil {
		return 0, errors.New("control transfer failed: device gone")
	}
	return copy(buf, report), nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type fakeBackend struct {
	mu      sync.Mutex
	clock   *fakeClock
	devices []*fakeDevice
	opens   []time.Time
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Open(id usb.Identity) (usb.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens = append(b.opens, b.clock.Now())
	if len(b.devices) == 0 {
		return nil, fmt.Errorf("%w: %s", usb.ErrDeviceNotFound, id)
	}
	dev := b.devices[0]
	b.devices = b.devices[1:]
	return dev, nil
}

var testIdentity = usb.Identity{VendorID: 0x046d, ProductID: 0xc077}

func newTestSession(backend usb.Backend, clock Clock, backoff, pollInterval time.Duration, events *[]SessionEvent) *Session {
	pub := func(ctx context.Context, msg SessionEvent) {
		*events = append(*events, msg)
	}
	return newSession(zap.NewNop(), "m0", testIdentity, backend, clock, backoff, pollInterval, pub)
}

func TestConnectHappyPath(t *testing.T) {
	clock := &fakeClock{}
	dev := &fakeDevice{config: hidConfig(), descriptor: testDescriptor}
	backend := &fakeBackend{clock: clock, devices: []*fakeDevice{dev}}
	var events []SessionEvent
	s := newTestSession(backend, clock, DefaultBackoff, 0, &events)

	require.NoError(t, s.connect(context.Background()))
	assert.Equal(t, Connected, s.State())
	// Device-derived interval: 125us * 2^(4-1) = 1ms.
	assert.Equal(t, time.Millisecond, s.currentPollInterval())
	assert.Len(t, s.descriptor, 2)
	assert.Equal(t, 1, dev.descriptorReads)
	require.Len(t, events, 1)
	assert.Equal(t, SessionConnected, events[0].Type)
	assert.Equal(t, "ACME", events[0].Strings.Manufacturer)
	assert.Equal(t, usb.Placeholder, events[0].Strings.SerialNumber)
}

func TestConnectDeviceNotFound(t *testing.T) {
	clock := &fakeClock{}
	backend := &fakeBackend{clock: clock}
	var events []SessionEvent
	s := newTestSession(backend, clock, DefaultBackoff, 0, &events)

	err := s.connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, usb.ErrDeviceNotFound))
	assert.Equal(t, Disconnected, s.State())
	assert.Empty(t, events)
}

func TestConnectWarningsAreNonFatal(t *testing.T) {
	clock := &fakeClock{}
	dev := &fakeDevice{
		config:     hidConfig(),
		descriptor: testDescriptor,
		detachErr:  errors.New("detach refused"),
		claimErr:   errors.New("claim refused"),
	}
	backend := &fakeBackend{clock: clock, devices: []*fakeDevice{dev}}
	var events []SessionEvent
	s := newTestSession(backend, clock, DefaultBackoff, 0, &events)

	require.NoError(t, s.connect(context.Background()))
	assert.Equal(t, Connected, s.State())
}

func TestConnectConfigFetchIsFatal(t *testing.T) {
	clock := &fakeClock{}
	dev := &fakeDevice{configErr: errors.New("config gone")}
	backend := &fakeBackend{clock: clock, devices: []*fakeDevice{dev}}
	var events []SessionEvent
	s := newTestSession(backend, clock, DefaultBackoff, 0, &events)

	require.Error(t, s.connect(context.Background()))
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, dev.closed)
	assert.Empty(t, events)
}

func TestConnectToleratesMissingDescriptor(t *testing.T) {
	tests := []struct {
		name  string
		intf  usb.Interface
		reads int
	}{
		{
			name:  "non-HID interface class",
			intf:  usb.Interface{Class: 0xFF, Endpoints: []usb.Endpoint{{Interval: 4}}},
			reads: 0,
		},
		{
			name:  "extra bytes too short",
			intf:  usb.Interface{Class: usb.ClassHID, Extra: []byte{9, usb.DescriptorTypeHID}, Endpoints: []usb.Endpoint{{Interval: 4}}},
			reads: 0,
		},
		{
			name: "extra not a HID descriptor",
			intf: usb.Interface{
				Class:     usb.ClassHID,
				Extra:     []byte{9, 0x55, 0x11, 0x01, 0, 1, usb.DescriptorTypeReport, 4, 0},
				Endpoints: []usb.Endpoint{{Interval: 4}},
			},
			reads: 0,
		},
		{
			name: "no report sub-descriptor",
			intf: usb.Interface{
				Class:     usb.ClassHID,
				Extra:     []byte{9, usb.DescriptorTypeHID, 0x11, 0x01, 0, 0, usb.DescriptorTypeReport, 4, 0},
				Endpoints: []usb.Endpoint{{Interval: 4}},
			},
			reads: 0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := &fakeClock{}
			dev := &fakeDevice{
				config:     usb.Config{Interfaces: []usb.Interface{tc.intf}},
				descriptor: testDescriptor,
			}
			backend := &fakeBackend{clock: clock, devices: []*fakeDevice{dev}}
			var events []SessionEvent
			s := newTestSession(backend, clock, DefaultBackoff, 0, &events)

			require.NoError(t, s.connect(context.Background()))
			assert.Equal(t, Connected, s.State())
			assert.Empty(t, s.descriptor)
			assert.Equal(t, tc.reads, dev.descriptorReads)
		})
	}
}

func TestRunReconnectCycle(t *testing.T) {
	const (
		backoff      = 10 * time.Second
		pollInterval = 10 * time.Millisecond
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{maxSleeps: 5, cancel: cancel}
	dev1 := &fakeDevice{config: hidConfig(), descriptor: testDescriptor,
		reports: [][]byte{{0x01, 0x00, 0x00, 0x00}, nil}}
	dev2 := &fakeDevice{config: hidConfig(), descriptor: testDescriptor,
		reports: [][]byte{{0x01, 0x00, 0x00, 0x00}, nil}}
	backend := &fakeBackend{clock: clock, devices: []*fakeDevice{dev1, dev2}}

	var events []SessionEvent
	s := newTestSession(backend, clock, backoff, pollInterval, &events)

	var button0 []int
	s.Subscribe(0, func(v int) { button0 = append(button0, v) })

	done := make(chan struct{})
	go func() {
		s.run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not exit")
	}

	// Each connection delivered exactly one first-sample callback; no
	// fan-out happened while disconnected.
	assert.Equal(t, []int{1, 1}, button0)
	assert.Equal(t, uint64(2), s.PacketCount())

	require.Len(t, events, 4)
	assert.Equal(t, SessionConnected, events[0].Type)
	assert.Equal(t, SessionDisconnected, events[1].Type)
	assert.Equal(t, SessionConnected, events[2].Type)
	assert.Equal(t, SessionDisconnected, events[3].Type)

	assert.True(t, dev1.closed)
	assert.True(t, dev2.closed)

	// Reconnection waits out the full backoff after a disconnect.
	require.Len(t, backend.opens, 3)
	gap := backend.opens[1].Sub(backend.opens[0])
	assert.GreaterOrEqual(t, gap, backoff)
	assert.Contains(t, clock.sleeps, backoff)
}

func TestReportConcurrentWithPolling(t *testing.T) {
	clock := &fakeClock{}
	reports := make([][]byte, 128)
	for i := range reports {
		reports[i] = []byte{byte(i & 0x07), 0x01, 0xFF, 0x00}
	}
	dev := &fakeDevice{config: hidConfig(), descriptor: testDescriptor, reports: reports}
	backend := &fakeBackend{clock: clock, devices: []*fakeDevice{dev}}
	var events []SessionEvent
	s := newTestSession(backend, clock, DefaultBackoff, 0, &events)
	require.NoError(t, s.connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		for range reports {
			if err := s.pollOnce(); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Equal(t, uint64(len(reports)), s.PacketCount())
			return
		default:
			s.Report(io.Discard, 4)
		}
	}
}

func TestReportDescriptorLength(t *testing.T) {
	length, ok := reportDescriptorLength(hidExtra(0x134))
	require.True(t, ok)
	assert.Equal(t, 0x134, length)

	// Declared descriptor length longer than the buffer that holds it.
	bad := hidExtra(4)
	bad[0] = 20
	_, ok = reportDescriptorLength(bad)
	assert.False(t, ok)
}
