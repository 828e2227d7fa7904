package usb

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"
)

// Standard request codes and descriptor types used over the control pipe.
const (
	reqGetDescriptor = 0x06
	reqGetReport     = 0x01

	dtDevice   = 0x01
	dtConfig   = 0x02
	dtString   = 0x03
	dtEndpoint = 0x05

	// Report type for GET_REPORT: INPUT in the high byte of wValue.
	reportTypeInput = 0x01

	deviceDescriptorLength = 18
)

// DefaultTimeout bounds every control transfer.
const DefaultTimeout = 10 * time.Second

// GousbBackend reaches devices through libusb. Input reports are polled with
// HID GET_REPORT control transfers rather than the interrupt endpoint, which
// works for boot-protocol mice without an interrupt transfer queue.
type GousbBackend struct {
	log     *zap.Logger
	ctx     *gousb.Context
	timeout time.Duration
}

type GousbOption func(*GousbBackend)

func WithTimeout(d time.Duration) GousbOption {
	return func(b *GousbBackend) {
		b.timeout = d
	}
}

func NewGousbBackend(log *zap.Logger, opts ...GousbOption) *GousbBackend {
	b := &GousbBackend{
		log:     log,
		ctx:     gousb.NewContext(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *GousbBackend) Name() string {
	return "gousb"
}

func (b *GousbBackend) Close() error {
	return b.ctx.Close()
}

func (b *GousbBackend) Open(id Identity) (Device, error) {
	dev, err := b.ctx.OpenDeviceWithVIDPID(gousb.ID(id.VendorID), gousb.ID(id.ProductID))
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", id, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	dev.ControlTimeout = b.timeout
	return &gousbDevice{
		log: b.log.With(zap.String("device", id.String())),
		id:  id,
		dev: dev,
	}, nil
}

type gousbDevice struct {
	log *zap.Logger
	id  Identity
	dev *gousb.Device

	cfg  *gousb.Config
	intf *gousb.Interface
}

func (d *gousbDevice) DetachKernelDriver() error {
	return d.dev.SetAutoDetach(true)
}

func (d *gousbDevice) ClaimInterface() error {
	num, err := d.dev.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("failed to get active config: %w", err)
	}
	cfg, err := d.dev.Config(num)
	if err != nil {
		return fmt.Errorf("failed to open config %d: %w", num, err)
	}
	intf, err := cfg.Interface(d.id.Interface, 0)
	if err != nil {
		cfg.Close()
		return fmt.Errorf("failed to claim interface %d: %w", d.id.Interface, err)
	}
	d.cfg = cfg
	d.intf = intf
	return nil
}

func (d *gousbDevice) ActiveConfig() (Config, error) {
	num, err := d.dev.ActiveConfigNum()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get active config number: %w", err)
	}
	cd, ok := d.dev.Desc.Configs[num]
	if !ok {
		return Config{}, fmt.Errorf("active config %d not present in device descriptor", num)
	}
	cfg := Config{
		MaxPowerMilliamps: int(cd.MaxPower),
	}
	intervals := d.endpointIntervals()
	for _, ifd := range cd.Interfaces {
		if len(ifd.AltSettings) == 0 {
			continue
		}
		alt := ifd.AltSettings[0]
		intf := Interface{
			Number: ifd.Number,
			Class:  uint8(alt.Class),
		}
		if alt.Class == gousb.ClassHID {
			// libusb exposes the HID descriptor as interface extra bytes.
			// gousb does not surface those, so fetch the descriptor over
			// the control pipe instead.
			intf.Extra = d.hidDescriptor(ifd.Number)
		}
		for _, ed := range sortedEndpoints(alt) {
			intf.Endpoints = append(intf.Endpoints, Endpoint{
				Address:       uint8(ed.Address),
				Attributes:    endpointAttributes(ed),
				MaxPacketSize: ed.MaxPacketSize,
				Interval:      intervals[uint8(ed.Address)],
			})
		}
		cfg.Interfaces = append(cfg.Interfaces, intf)
	}
	return cfg, nil
}

func sortedEndpoints(alt gousb.InterfaceSetting) []gousb.EndpointDesc {
	eps := make([]gousb.EndpointDesc, 0, len(alt.Endpoints))
	for _, ed := range alt.Endpoints {
		eps = append(eps, ed)
	}
	sort.Slice(eps, func(i, j int) bool {
		return eps[i].Address < eps[j].Address
	})
	return eps
}

func endpointAttributes(ed gousb.EndpointDesc) uint8 {
	attrs := uint8(ed.TransferType)
	// IsoSyncType and UsageType constants are already shifted into their
	// bmAttributes bit positions.
	if ed.TransferType == gousb.TransferTypeIsochronous {
		attrs |= uint8(ed.IsoSyncType) | uint8(ed.UsageType)
	}
	return attrs
}

// endpointIntervals reads the raw configuration descriptor and maps each
// endpoint address to its bInterval byte. gousb only exposes a poll
// interval it has already converted to a duration, with a speed-dependent
// encoding, so the raw field is fetched over the control pipe instead.
func (d *gousbDevice) endpointIntervals() map[uint8]uint8 {
	hdr := make([]byte, 9)
	n, err := d.dev.Control(
		gousb.ControlIn|gousb.ControlStandard|gousb.ControlDevice,
		reqGetDescriptor, dtConfig<<8, 0, hdr)
	if err != nil || n < len(hdr) {
		d.log.Debug("failed to read configuration descriptor header", zap.Error(err))
		return nil
	}
	buf := make([]byte, int(hdr[3])<<8|int(hdr[2]))
	n, err = d.dev.Control(
		gousb.ControlIn|gousb.ControlStandard|gousb.ControlDevice,
		reqGetDescriptor, dtConfig<<8, 0, buf)
	if err != nil {
		d.log.Debug("failed to read configuration descriptor", zap.Error(err))
		return nil
	}
	return parseEndpointIntervals(buf[:n])
}

// parseEndpointIntervals walks the descriptors concatenated after the
// configuration descriptor, picking the bInterval out of each endpoint
// descriptor. A malformed length byte ends the walk.
func parseEndpointIntervals(buf []byte) map[uint8]uint8 {
	intervals := make(map[uint8]uint8)
	pos := 0
	for pos+2 <= len(buf) {
		length := int(buf[pos])
		if length < 2 || pos+length > len(buf) {
			break
		}
		if buf[pos+1] == dtEndpoint && length >= 7 {
			intervals[buf[pos+2]] = buf[pos+6]
		}
		pos += length
	}
	return intervals
}

func (d *gousbDevice) hidDescriptor(ifnum int) []byte {
	buf := make([]byte, 64)
	n, err := d.dev.Control(
		gousb.ControlIn|gousb.ControlStandard|gousb.ControlInterface,
		reqGetDescriptor, DescriptorTypeHID<<8, uint16(ifnum), buf)
	if err != nil || n <= 0 {
		d.log.Debug("no HID class descriptor", zap.Int("interface", ifnum), zap.Error(err))
		return nil
	}
	return buf[:n]
}

func (d *gousbDevice) ReportDescriptor(length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := d.dev.Control(
		gousb.ControlIn|gousb.ControlStandard|gousb.ControlInterface,
		reqGetDescriptor, DescriptorTypeReport<<8, uint16(d.id.Interface), buf)
	if err != nil {
		return nil, fmt.Errorf("failed to get report descriptor: %w", err)
	}
	if n != length {
		return nil, fmt.Errorf("short report descriptor read: %d of %d bytes", n, length)
	}
	return buf, nil
}

func (d *gousbDevice) Strings() (Strings, []error) {
	strs := Strings{
		Manufacturer: Placeholder,
		Product:      Placeholder,
		SerialNumber: Placeholder,
	}
	var diags []error

	desc := make([]byte, deviceDescriptorLength)
	n, err := d.dev.Control(
		gousb.ControlIn|gousb.ControlStandard|gousb.ControlDevice,
		reqGetDescriptor, dtDevice<<8, 0, desc)
	if err != nil {
		return strs, append(diags, fmt.Errorf("failed to read device descriptor: %w", err))
	}
	if n < deviceDescriptorLength {
		return strs, append(diags, fmt.Errorf("short device descriptor read: %d of %d bytes", n, deviceDescriptorLength))
	}

	fetch := func(field *string, index uint8, name string) {
		if index == 0 {
			diags = append(diags, fmt.Errorf("device has no %s string", name))
			return
		}
		s, err := d.stringDescriptor(index)
		if err != nil {
			diags = append(diags, fmt.Errorf("failed to fetch %s string: %w", name, err))
			return
		}
		*field = s
	}
	fetch(&strs.Manufacturer, desc[14], "manufacturer")
	fetch(&strs.Product, desc[15], "product")
	fetch(&strs.SerialNumber, desc[16], "serial number")
	return strs, diags
}

// stringDescriptor performs the two-round-trip fetch: language identifiers
// from index 0 first, then the string itself in the first language.
func (d *gousbDevice) stringDescriptor(index uint8) (string, error) {
	buf := make([]byte, 255)
	n, err := d.dev.Control(
		gousb.ControlIn|gousb.ControlStandard|gousb.ControlDevice,
		reqGetDescriptor, dtString<<8, 0, buf)
	if err != nil {
		return "", fmt.Errorf("failed to get language descriptor: %w", err)
	}
	if n < 4 {
		return "", fmt.Errorf("language descriptor too short: %d bytes", n)
	}
	languageCode := uint16(buf[3])<<8 | uint16(buf[2])

	n, err = d.dev.Control(
		gousb.ControlIn|gousb.ControlStandard|gousb.ControlDevice,
		reqGetDescriptor, dtString<<8|uint16(index), languageCode, buf)
	if err != nil {
		return "", fmt.Errorf("failed to get string descriptor %d: %w", index, err)
	}
	return DecodeStringDescriptor(buf[:n]), nil
}

func (d *gousbDevice) GetInputReport(buf []byte) (int, error) {
	n, err := d.dev.Control(
		gousb.ControlIn|gousb.ControlClass|gousb.ControlInterface,
		reqGetReport, reportTypeInput<<8, uint16(d.id.Interface), buf)
	if err != nil {
		return 0, fmt.Errorf("control transfer failed: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("control transfer returned no data")
	}
	return n, nil
}

func (d *gousbDevice) Close() error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	return d.dev.Close()
}
