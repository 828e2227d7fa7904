package usb

import (
	"fmt"

	"github.com/sstallion/go-hid"
	"go.uber.org/zap"
)

// HidapiBackend reaches devices through hidapi. It is useful where libusb
// cannot take the interface away from the kernel HID driver. hidapi hides
// the configuration descriptor, so the backend synthesizes a HID class
// descriptor from the report descriptor it can read.
type HidapiBackend struct {
	log *zap.Logger
}

func NewHidapiBackend(log *zap.Logger) *HidapiBackend {
	hid.Init()
	return &HidapiBackend{log: log}
}

func (b *HidapiBackend) Name() string {
	return "hidapi"
}

func (b *HidapiBackend) Open(id Identity) (Device, error) {
	var path string
	err := hid.Enumerate(id.VendorID, id.ProductID, func(info *hid.DeviceInfo) error {
		if path == "" && info.InterfaceNbr == id.Interface {
			path = info.Path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	dev, err := hid.OpenPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &hidapiDevice{
		log: b.log.With(zap.String("device", id.String())),
		id:  id,
		dev: dev,
	}, nil
}

type hidapiDevice struct {
	log *zap.Logger
	id  Identity
	dev *hid.Device

	descriptor []byte
}

// hidapi detaches and claims as part of opening the device.
func (d *hidapiDevice) DetachKernelDriver() error { return nil }
func (d *hidapiDevice) ClaimInterface() error     { return nil }

func (d *hidapiDevice) ActiveConfig() (Config, error) {
	desc, err := d.reportDescriptor()
	if err != nil {
		return Config{}, fmt.Errorf("failed to read report descriptor: %w", err)
	}
	length := len(desc)
	// Synthesized HID class descriptor announcing one Report sub-descriptor
	// of the length hidapi handed us.
	extra := []byte{
		9, DescriptorTypeHID,
		0x11, 0x01, // bcdHID 1.11
		0, 1,
		DescriptorTypeReport,
		byte(length), byte(length >> 8),
	}
	return Config{
		Interfaces: []Interface{{
			Number: d.id.Interface,
			Class:  ClassHID,
			Extra:  extra,
			// hidapi does not expose endpoint descriptors.
			Endpoints: []Endpoint{{}},
		}},
	}, nil
}

func (d *hidapiDevice) reportDescriptor() ([]byte, error) {
	if d.descriptor != nil {
		return d.descriptor, nil
	}
	buf := make([]byte, hid.MaxReportDescriptorSize)
	n, err := d.dev.GetReportDescriptor(buf)
	if err != nil {
		return nil, err
	}
	d.descriptor = buf[:n]
	return d.descriptor, nil
}

func (d *hidapiDevice) ReportDescriptor(length int) ([]byte, error) {
	desc, err := d.reportDescriptor()
	if err != nil {
		return nil, err
	}
	if length > len(desc) {
		return nil, fmt.Errorf("short report descriptor read: %d of %d bytes", len(desc), length)
	}
	return desc[:length], nil
}

func (d *hidapiDevice) Strings() (Strings, []error) {
	strs := Strings{
		Manufacturer: Placeholder,
		Product:      Placeholder,
		SerialNumber: Placeholder,
	}
	var diags []error
	fetch := func(field *string, get func() (string, error), name string) {
		s, err := get()
		if err != nil {
			diags = append(diags, fmt.Errorf("failed to fetch %s string: %w", name, err))
			return
		}
		*field = s
	}
	fetch(&strs.Manufacturer, d.dev.GetMfrStr, "manufacturer")
	fetch(&strs.Product, d.dev.GetProductStr, "product")
	fetch(&strs.SerialNumber, d.dev.GetSerialNbr, "serial number")
	return strs, diags
}

func (d *hidapiDevice) GetInputReport(buf []byte) (int, error) {
	// hidapi expects the requested report ID in the first byte and returns
	// the report with that ID byte still in front of the payload. Boot mice
	// use report ID 0.
	buf[0] = 0
	n, err := d.dev.GetInputReport(buf)
	if err != nil {
		return 0, fmt.Errorf("input report read failed: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("input report read returned no data")
	}
	return stripReportID(buf, n), nil
}

// stripReportID drops the leading report ID byte so the buffer starts at
// the button byte, as it does on the control-transfer path.
func stripReportID(buf []byte, n int) int {
	copy(buf, buf[1:n])
	return n - 1
}

func (d *hidapiDevice) Close() error {
	return d.dev.Close()
}
