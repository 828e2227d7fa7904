package usb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripReportID(t *testing.T) {
	// hidapi returns [reportID, buttons, x, y, wheel]; the payload handed to
	// callers must start at the button byte.
	buf := []byte{0x00, 0x05, 0x02, 0xFE, 0xFF, 0xAA, 0xAA}
	n := stripReportID(buf, 5)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0x05, 0x02, 0xFE, 0xFF}, buf[:n])

	// A report carrying only the ID byte yields an empty payload.
	buf = []byte{0x00, 0x77}
	assert.Equal(t, 0, stripReportID(buf, 1))
}
