// Package hiddesc decodes HID Report Descriptor byte streams into a flat,
// ordered sequence of items. It keeps just enough structure to sign-extend
// values correctly and to track collection nesting for display purposes; it
// does not build a collection tree.
package hiddesc

// Decoder reads items from a descriptor buffer left to right. A decoder is
// restartable via Reset and stops silently at a truncated trailing item,
// yielding only the items that were fully present.
type Decoder struct {
	buf   []byte
	pos   int
	depth int
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Reset rewinds the decoder to the beginning of the buffer.
func (d *Decoder) Reset() {
	d.pos = 0
	d.depth = 0
}

// Next returns the next fully parsed item. It returns false at the end of
// the buffer, or when the remaining bytes do not form a complete item.
func (d *Decoder) Next() (Item, bool) {
	if d.pos >= len(d.buf) {
		return Item{}, false
	}
	hdr := d.buf[d.pos]
	tag := hdr &^ 0x03

	if tag == longItemPrefix {
		return d.nextLong()
	}

	size := int(hdr & 0x03)
	if size == 3 {
		size = 4
	}
	if d.pos+1+size > len(d.buf) {
		d.pos = len(d.buf)
		return Item{}, false
	}
	var value uint32
	for i := 0; i < size; i++ {
		value |= uint32(d.buf[d.pos+1+i]) << (i * 8)
	}
	d.pos += 1 + size

	item := Item{
		Kind:  Kind(hdr >> 2 & 0x03),
		Tag:   tag,
		Size:  size,
		Value: int64(value),
	}
	if item.signed() {
		item.Value = signExtend(size, value)
	}

	switch tag {
	case TagCollection:
		item.Depth = d.depth
		d.depth++
	case TagEndCollection:
		if d.depth > 0 {
			d.depth--
		}
		item.Depth = d.depth
	default:
		item.Depth = d.depth
	}
	return item, true
}

// nextLong parses a long item: header byte, data length byte, tag byte,
// then the data bytes. The length comes from the stream, not the header.
func (d *Decoder) nextLong() (Item, bool) {
	if d.pos+3 > len(d.buf) {
		d.pos = len(d.buf)
		return Item{}, false
	}
	size := int(d.buf[d.pos+1])
	tag := d.buf[d.pos+2]
	if d.pos+3+size > len(d.buf) {
		d.pos = len(d.buf)
		return Item{}, false
	}
	d.pos += 3 + size
	return Item{
		Kind:  KindLong,
		Tag:   tag,
		Size:  size,
		Depth: d.depth,
	}, true
}

// Parse decodes the whole buffer in one call.
func Parse(buf []byte) []Item {
	d := NewDecoder(buf)
	var items []Item
	for {
		item, ok := d.Next()
		if !ok {
			return items
		}
		items = append(items, item)
	}
}

func signExtend(size int, value uint32) int64 {
	switch size {
	case 1:
		return int64(int8(value))
	case 2:
		return int64(int16(value))
	case 4:
		return int64(int32(value))
	}
	return int64(value)
}
