package mousesvc

// MouseState is the accumulated view of one mouse. Buttons are absolute and
// overwritten by every report; the axes are relative-motion accumulators
// that only ever receive signed deltas.
type MouseState struct {
	Buttons uint8
	X       int
	Y       int
	Wheel   int
}

// apply folds one raw input report into the state. A short report is a
// partial update: fields whose byte is absent keep their value. Bytes past
// index 3 carry vendor data this driver does not interpret.
func (m *MouseState) apply(buf []byte) {
	if len(buf) >= 1 {
		m.Buttons = buf[0]
	}
	if len(buf) >= 2 {
		m.X += int(int8(buf[1]))
	}
	if len(buf) >= 3 {
		m.Y += int(int8(buf[2]))
	}
	if len(buf) >= 4 {
		m.Wheel += int(int8(buf[3]))
	}
}
