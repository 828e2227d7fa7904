package mousesvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyFieldPresence(t *testing.T) {
	tests := []struct {
		name   string
		report []byte
		want   MouseState
	}{
		{name: "buttons only", report: []byte{0x05}, want: MouseState{Buttons: 0x05}},
		{name: "buttons and x", report: []byte{0x01, 0x02}, want: MouseState{Buttons: 0x01, X: 2}},
		{name: "buttons x y", report: []byte{0x01, 0x02, 0xFE}, want: MouseState{Buttons: 0x01, X: 2, Y: -2}},
		{name: "full report", report: []byte{0x01, 0x02, 0xFE, 0xFF}, want: MouseState{Buttons: 0x01, X: 2, Y: -2, Wheel: -1}},
		{name: "vendor tail ignored", report: []byte{0x01, 0x02, 0xFE, 0xFF, 0x7F, 0x7F}, want: MouseState{Buttons: 0x01, X: 2, Y: -2, Wheel: -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var m MouseState
			m.apply(tc.report)
			assert.Equal(t, tc.want, m)
		})
	}
}

func TestApplyShortReportKeepsFields(t *testing.T) {
	m := MouseState{Buttons: 0x01, X: 10, Y: 20, Wheel: 30}
	m.apply([]byte{0x00, 0x05})
	// Buttons are absolute, x accumulates, y and wheel were absent.
	assert.Equal(t, MouseState{Buttons: 0x00, X: 15, Y: 20, Wheel: 30}, m)
}

func TestApplyAccumulates(t *testing.T) {
	var m MouseState
	m.apply([]byte{0, 0x7F, 0x81, 0x01}) // +127, -127, +1
	m.apply([]byte{0, 0x7F, 0x81, 0x01})
	m.apply([]byte{0, 0x02, 0x02, 0xFF}) // +2, +2, -1
	assert.Equal(t, MouseState{X: 256, Y: -252, Wheel: 1}, m)
}
