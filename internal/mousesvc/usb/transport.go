// Package usb abstracts the USB transport used to reach a HID mouse. Two
// backends exist: libusb via gousb (control-transfer polling, the default)
// and hidapi via go-hid. The session state machine in mousesvc consumes
// these interfaces only, which keeps the connect/poll/reconnect logic
// testable against a fake.
package usb

import (
	"errors"
	"fmt"
)

// USB descriptor constants used by the backends and the session.
const (
	// ClassHID is the USB interface class code for Human Interface Devices.
	ClassHID = 0x03

	// DescriptorTypeHID and DescriptorTypeReport are the class-specific
	// descriptor type tags embedded in a HID interface descriptor.
	DescriptorTypeHID    = 0x21
	DescriptorTypeReport = 0x22
)

var (
	// ErrDeviceNotFound is returned by Backend.Open when no attached device
	// matches the requested identity.
	ErrDeviceNotFound = errors.New("device not found")
)

// Identity selects a physical device: vendor/product identifier pair plus
// the interface number to claim. Immutable after configuration.
type Identity struct {
	VendorID  uint16
	ProductID uint16
	Interface int
}

func (id Identity) String() string {
	return fmt.Sprintf("%04x:%04x:%d", id.VendorID, id.ProductID, id.Interface)
}

func ParseIdentity(s string) (Identity, error) {
	var id Identity
	_, err := fmt.Sscanf(s, "%04x:%04x:%d", &id.VendorID, &id.ProductID, &id.Interface)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid device identity %q: %w", s, err)
	}
	return id, nil
}

// Backend opens devices by identity.
type Backend interface {
	Name() string
	// Open locates the first attached device matching id and opens it.
	// Returns ErrDeviceNotFound when no device matches.
	Open(id Identity) (Device, error)
}

// Device is one opened USB device. All calls are synchronous; transfers
// block up to the backend's request timeout.
type Device interface {
	// DetachKernelDriver detaches a kernel driver bound to the interface,
	// if any. Callers treat a failure as a warning, not an abort.
	DetachKernelDriver() error
	// ClaimInterface claims the configured interface. Failure is likewise
	// tolerated by callers.
	ClaimInterface() error
	// ActiveConfig returns the active configuration descriptor.
	ActiveConfig() (Config, error)
	// ReportDescriptor fetches the HID Report Descriptor, length bytes long.
	ReportDescriptor(length int) ([]byte, error)
	// Strings fetches the manufacturer/product/serial string descriptors.
	// Fields that could not be fetched carry a placeholder value; the
	// returned diagnostics describe each such fallback.
	Strings() (Strings, []error)
	// GetInputReport reads one input report into buf and returns the number
	// of bytes the device actually produced.
	GetInputReport(buf []byte) (int, error)
	Close() error
}

// Config mirrors the parts of a USB configuration descriptor the session
// needs: the first interface's class, its class-specific descriptor bytes
// and its endpoints.
type Config struct {
	MaxPowerMilliamps int
	Interfaces        []Interface
}

type Interface struct {
	Number int
	Class  uint8
	// Extra holds the class-specific descriptor bytes that follow the
	// interface descriptor. For a HID interface this is the 9-byte (or
	// longer) HID descriptor naming the Report Descriptor length.
	Extra     []byte
	Endpoints []Endpoint
}

type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize int
	// Interval is the endpoint's raw bInterval field. Zero when the backend
	// cannot recover it.
	Interval uint8
}

// Strings holds the device identification strings. Missing descriptors are
// substituted with the Placeholder value.
type Strings struct {
	Manufacturer string
	Product      string
	SerialNumber string
}

// Placeholder stands in for a string descriptor the device does not carry
// or that could not be fetched.
const Placeholder = "???"

// DecodeStringDescriptor extracts the text from a raw USB string descriptor
// payload. The payload is UTF-16LE; only the ASCII subset is assumed, so
// every other byte is taken verbatim.
func DecodeStringDescriptor(buf []byte) string {
	if len(buf) < 2 {
		return ""
	}
	n := int(buf[0])
	if n > len(buf) {
		n = len(buf)
	}
	out := make([]byte, 0, (n-2)/2)
	for i := 2; i < n; i += 2 {
		out = append(out, buf[i])
	}
	return string(out)
}
