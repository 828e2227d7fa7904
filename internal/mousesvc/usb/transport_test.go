package usb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity("046d:c077:0")
	require.NoError(t, err)
	assert.Equal(t, Identity{VendorID: 0x046d, ProductID: 0xc077, Interface: 0}, id)
	assert.Equal(t, "046d:c077:0", id.String())

	_, err = ParseIdentity("046d")
	assert.Error(t, err)
}

func TestDecodeStringDescriptor(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want string
	}{
		{
			name: "ascii subset",
			buf:  []byte{10, 0x03, 'L', 0, 'o', 0, 'g', 0, 'i', 0},
			want: "Logi",
		},
		{
			name: "declared length wins over buffer length",
			buf:  []byte{6, 0x03, 'a', 0, 'b', 0, 'x', 0, 'y', 0},
			want: "ab",
		},
		{
			name: "buffer shorter than declared length",
			buf:  []byte{20, 0x03, 'a', 0, 'b', 0},
			want: "ab",
		},
		{name: "empty", buf: nil, want: ""},
		{name: "header only", buf: []byte{2, 0x03}, want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DecodeStringDescriptor(tc.buf))
		})
	}
}

func TestParseEndpointIntervals(t *testing.T) {
	// Configuration descriptor followed by an interface and two endpoint
	// descriptors. The raw bInterval bytes come through untouched.
	buf := []byte{
		9, dtConfig, 32, 0, 1, 1, 0, 0xA0, 50,
		9, 0x04, 0, 0, 2, ClassHID, 1, 2, 0,
		7, dtEndpoint, 0x81, 0x03, 4, 0, 10,
		7, dtEndpoint, 0x02, 0x03, 4, 0, 1,
	}
	intervals := parseEndpointIntervals(buf)
	assert.Equal(t, map[uint8]uint8{0x81: 10, 0x02: 1}, intervals)

	// A truncated trailing descriptor ends the walk cleanly.
	assert.Empty(t, parseEndpointIntervals(buf[:12]))
}
