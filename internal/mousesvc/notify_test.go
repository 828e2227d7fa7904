package mousesvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func collect(n *Notifier, addr int) *[]int {
	values := &[]int{}
	n.Subscribe(addr, func(v int) {
		*values = append(*values, v)
	})
	return values
}

func TestFirstSampleForcesDelivery(t *testing.T) {
	n := newNotifier(zap.NewNop())
	button := collect(n, 3)
	x := collect(n, AddrX)
	y := collect(n, AddrY)
	wheel := collect(n, AddrWheel)

	// Identical zero states: every valid subscription still fires once.
	n.publish(MouseState{}, MouseState{}, true)
	assert.Equal(t, []int{0}, *button)
	assert.Equal(t, []int{0}, *x)
	assert.Equal(t, []int{0}, *y)
	assert.Equal(t, []int{0}, *wheel)
}

func TestNoChangeNoCallback(t *testing.T) {
	n := newNotifier(zap.NewNop())
	x := collect(n, AddrX)
	state := MouseState{Buttons: 0x01, X: 5, Y: -2, Wheel: 1}
	n.publish(state, state, false)
	assert.Empty(t, *x)
}

func TestButtonBitSemantics(t *testing.T) {
	n := newNotifier(zap.NewNop())
	bit3 := collect(n, 3)

	// Bit 3 flips on: fires with 1.
	n.publish(MouseState{Buttons: 0x00}, MouseState{Buttons: 0x08}, false)
	// Other bits flip: bit 3 stays silent.
	n.publish(MouseState{Buttons: 0x08}, MouseState{Buttons: 0x0F}, false)
	// Bit 3 flips off: fires with 0.
	n.publish(MouseState{Buttons: 0x0F}, MouseState{Buttons: 0x07}, false)

	assert.Equal(t, []int{1, 0}, *bit3)
}

func TestAxisChangeDelivery(t *testing.T) {
	n := newNotifier(zap.NewNop())
	x := collect(n, AddrX)
	wheel := collect(n, AddrWheel)

	n.publish(MouseState{X: 0, Wheel: 0}, MouseState{X: 7, Wheel: 0}, false)
	n.publish(MouseState{X: 7, Wheel: 0}, MouseState{X: 7, Wheel: -3}, false)

	assert.Equal(t, []int{7}, *x)
	assert.Equal(t, []int{-3}, *wheel)
}

func TestInvalidAddressNeverFires(t *testing.T) {
	n := newNotifier(zap.NewNop())
	bogus := collect(n, 42)
	n.publish(MouseState{}, MouseState{X: 1}, true)
	n.publish(MouseState{X: 1}, MouseState{X: 2}, false)
	assert.Empty(t, *bogus)
}

func TestRegistryOrder(t *testing.T) {
	n := newNotifier(zap.NewNop())
	var order []string
	n.Subscribe(AddrX, func(int) { order = append(order, "first") })
	n.Subscribe(AddrX, func(int) { order = append(order, "second") })
	n.Subscribe(3, func(int) { order = append(order, "button") })

	n.publish(MouseState{}, MouseState{X: 1, Buttons: 0x08}, false)
	assert.Equal(t, []string{"first", "second", "button"}, order)
}
