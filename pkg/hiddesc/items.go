package hiddesc

import (
	"fmt"
	"strings"
)

// Kind classifies an item by the type bits (2-3) of its header byte.
type Kind uint8

const (
	KindMain Kind = iota
	KindGlobal
	KindLocal
	KindReserved
	// KindLong marks a long item. Its tag comes from the third byte of the
	// item and its data length from the second, not from the header bits.
	KindLong
)

func (k Kind) String() string {
	switch k {
	case KindMain:
		return "Main"
	case KindGlobal:
		return "Global"
	case KindLocal:
		return "Local"
	case KindLong:
		return "Long"
	default:
		return "Reserved"
	}
}

// Short item tags: the header byte with the size bits (0-1) cleared.
const (
	TagInput         = 0x80
	TagOutput        = 0x90
	TagFeature       = 0xB0
	TagCollection    = 0xA0
	TagEndCollection = 0xC0

	TagUsagePage       = 0x04
	TagLogicalMinimum  = 0x14
	TagLogicalMaximum  = 0x24
	TagPhysicalMinimum = 0x34
	TagPhysicalMaximum = 0x44
	TagUnitExponent    = 0x54
	TagUnit            = 0x64
	TagReportSize      = 0x74
	TagReportID        = 0x84
	TagReportCount     = 0x94
	TagPush            = 0xA4
	TagPop             = 0xB4

	TagUsage        = 0x08
	TagUsageMinimum = 0x18
	TagUsageMaximum = 0x28

	// longItemPrefix is the long item header byte 0xFE with its size bits
	// cleared. The bSize field of a long item is always 2 on the wire.
	longItemPrefix = 0xFC
)

// Item is one decoded unit of a report descriptor byte stream.
type Item struct {
	Kind Kind
	Tag  uint8
	// Size is the number of data bytes. For long items it is read from the
	// byte following the header rather than from the header size bits.
	Size int
	// Value is the little-endian data accumulated as an unsigned integer,
	// except for Logical/Physical Minimum/Maximum which are sign-extended
	// at exactly Size bytes. Long item data is not accumulated.
	Value int64
	// Depth is the collection nesting level, maintained for display
	// indentation only.
	Depth int
}

func (it Item) signed() bool {
	switch it.Tag {
	case TagLogicalMinimum, TagLogicalMaximum, TagPhysicalMinimum, TagPhysicalMaximum:
		return true
	}
	return false
}

var collectionNames = map[int64]string{
	0x00: "Physical (group of axes)",
	0x01: "Application (mouse, keyboard)",
	0x02: "Logical (interrelated data)",
	0x03: "Report",
	0x04: "Named array",
	0x05: "Usage switch",
	0x06: "Usage modifier",
}

func dataFlags(v int64, feature bool) string {
	parts := []string{
		pick(v&0x001 != 0, "Constant", "Data"),
		pick(v&0x002 != 0, "Variable", "Array"),
		pick(v&0x004 != 0, "Relative", "Absolute"),
		pick(v&0x008 != 0, "Wrap", "No wrap"),
		pick(v&0x010 != 0, "Nonlinear", "Linear"),
		pick(v&0x020 != 0, "No preferred state", "Preferred state"),
		pick(v&0x040 != 0, "Null state", "No null position"),
	}
	if feature {
		parts = append(parts, pick(v&0x080 != 0, "Volatile", "Non-volatile"))
	}
	parts = append(parts, pick(v&0x100 != 0, "Buffered bytes", "Bitfield"))
	return strings.Join(parts, ", ")
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

// String renders the item the way an operator expects to read a descriptor
// dump: tag name plus decoded data.
func (it Item) String() string {
	switch it.Tag {
	case TagInput:
		return "Input: " + dataFlags(it.Value, false)
	case TagOutput:
		return "Output: " + dataFlags(it.Value, false)
	case TagFeature:
		return "Feature: " + dataFlags(it.Value, true)
	case TagCollection:
		if name, ok := collectionNames[it.Value]; ok {
			return "Collection: " + name
		}
		if it.Value <= 0x7F {
			return fmt.Sprintf("Collection: Reserved %#X", it.Value)
		}
		return fmt.Sprintf("Collection: Vendor-defined %#X", it.Value)
	case TagEndCollection:
		return "End of collection"
	case TagUsagePage:
		return fmt.Sprintf("Usage page %4.4X", it.Value)
	case TagLogicalMinimum:
		return fmt.Sprintf("Logical minimum %d", it.Value)
	case TagLogicalMaximum:
		return fmt.Sprintf("Logical maximum %d", it.Value)
	case TagPhysicalMinimum:
		return fmt.Sprintf("Physical minimum %d", it.Value)
	case TagPhysicalMaximum:
		return fmt.Sprintf("Physical maximum %d", it.Value)
	case TagUnitExponent:
		return fmt.Sprintf("Unit exponent %d", it.Value)
	case TagUnit:
		return fmt.Sprintf("Unit %d", it.Value)
	case TagReportSize:
		return fmt.Sprintf("Report size %d", it.Value)
	case TagReportID:
		return fmt.Sprintf("Report ID %d", it.Value)
	case TagReportCount:
		return fmt.Sprintf("Report count %d", it.Value)
	case TagPush:
		return "PUSH"
	case TagPop:
		return "POP"
	case TagUsage:
		return fmt.Sprintf("Usage index %d", it.Value)
	case TagUsageMinimum:
		return fmt.Sprintf("Usage minimum %d", it.Value)
	case TagUsageMaximum:
		return fmt.Sprintf("Usage maximum %d", it.Value)
	default:
		if it.Kind == KindLong {
			return fmt.Sprintf("Long item tag %x (%d data bytes)", it.Tag, it.Size)
		}
		return fmt.Sprintf("Tag %x data:%*.*X", it.Tag, it.Size*2, it.Size*2, it.Value)
	}
}
