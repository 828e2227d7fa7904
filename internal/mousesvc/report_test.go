package mousesvc

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportDetailLevels(t *testing.T) {
	clock := &fakeClock{}
	dev := &fakeDevice{
		config:     hidConfig(),
		descriptor: testDescriptor,
		reports:    [][]byte{{0x01, 0x02, 0xFE}},
	}
	backend := &fakeBackend{clock: clock, devices: []*fakeDevice{dev}}
	var events []SessionEvent
	s := newTestSession(backend, clock, DefaultBackoff, 0, &events)
	require.NoError(t, s.connect(context.Background()))
	require.NoError(t, s.pollOnce())

	var level1 bytes.Buffer
	s.Report(&level1, 1)
	out := level1.String()
	assert.Contains(t, out, "Vendor ID: 0x046D")
	assert.Contains(t, out, "Product ID: 0xC077")
	assert.Contains(t, out, "State: connected")
	assert.Contains(t, out, "Poll interval: 1 ms")
	assert.Contains(t, out, "Maximum current: 100 mA")
	assert.Contains(t, out, `Manufacturer: "ACME"`)
	assert.NotContains(t, out, "Endpoint descriptor")
	assert.NotContains(t, out, "Packet Count")

	var level2 bytes.Buffer
	s.Report(&level2, 2)
	out = level2.String()
	assert.Contains(t, out, "HID Report Length: 4")
	assert.Contains(t, out, "Usage page 0001")
	assert.Contains(t, out, "Endpoint: 1 (IN)")
	assert.Contains(t, out, "Type: Interrupt")

	var level4 bytes.Buffer
	s.Report(&level4, 4)
	out = level4.String()
	assert.Contains(t, out, "Packet Count: 1")
	assert.Contains(t, out, " 01 02 FE")
}
