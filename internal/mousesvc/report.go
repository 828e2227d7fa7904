package mousesvc

import (
	"fmt"
	"io"

	"github.com/icprog/usbMouse/internal/mousesvc/usb"
	"github.com/icprog/usbMouse/pkg/hiddesc"
)

var (
	transferTypes = []string{"Control", "Isochronous", "Bulk", "Interrupt"}
	syncTypes     = []string{"None", "Asynchronous", "Adaptive", "Synchronous"}
	usageTypes    = []string{"Data", "Feedback", "Data (Implicit feedback)", "3 (Reserved)"}
)

// Report renders the session for operator inspection. Detail levels add,
// in order: identity and poll interval (1), identification strings and
// endpoint descriptors (1-2), decoded report descriptor items (2), packet
// counter (3), last raw report bytes (4). Pure presentation; no state is
// mutated.
func (s *Session) Report(w io.Writer, details int) {
	s.mu.Lock()
	state := s.state
	cfg := s.config
	strs := s.strings
	items := s.descriptor
	pollInterval := s.pollInterval
	nRead := s.nRead
	var raw [reportBufferSize]byte
	copy(raw[:], s.buf[:])
	s.mu.Unlock()

	if details >= 1 {
		fmt.Fprintf(w, "          Vendor ID: 0x%4.4X\n", s.identity.VendorID)
		fmt.Fprintf(w, "         Product ID: 0x%4.4X\n", s.identity.ProductID)
		fmt.Fprintf(w, "   Interface number: %d\n", s.identity.Interface)
		fmt.Fprintf(w, "              State: %s\n", state)
		fmt.Fprintf(w, "      Poll interval: %.3g ms\n", float64(pollInterval.Microseconds())/1000)
		fmt.Fprintf(w, "    Maximum current: %d mA\n", cfg.MaxPowerMilliamps)
		fmt.Fprintf(w, "       Manufacturer: %q\n", strs.Manufacturer)
		fmt.Fprintf(w, "            Product: %q\n", strs.Product)
		fmt.Fprintf(w, "      Serial number: %q\n", strs.SerialNumber)
	}
	if details >= 2 && len(cfg.Interfaces) > 0 {
		reportInterface(w, cfg.Interfaces[0], items)
	}
	if details >= 3 {
		fmt.Fprintf(w, "       Packet Count: %d\n", s.packetCount.Load())
	}
	if details >= 4 {
		fmt.Fprintf(w, "    ")
		for i := 0; i < nRead; i++ {
			fmt.Fprintf(w, " %2.2X", raw[i])
		}
		fmt.Fprintf(w, "\n")
	}
}

func reportInterface(w io.Writer, intf usb.Interface, items []hiddesc.Item) {
	if intf.Class == usb.ClassHID && len(intf.Extra) >= 9 {
		buf := intf.Extra
		fmt.Fprintf(w, "           HID Code: %2.2X.%2.2X\n", buf[3], buf[2])
		localized := ""
		if buf[4] == 0 {
			localized = " (Non-localized)"
		}
		fmt.Fprintf(w, "   HID Country Code: %d%s\n", buf[4], localized)
		fmt.Fprintf(w, "  HID # Descriptors: %d\n", buf[5])
		fmt.Fprintf(w, "  HID Report Length: %d\n", int(buf[8])<<8|int(buf[7]))
		for _, item := range items {
			fmt.Fprintf(w, "           %8s  %*s%s\n", item.Kind, item.Depth*3, "", item)
		}
	}
	for _, ep := range intf.Endpoints {
		fmt.Fprintf(w, "   Endpoint descriptor:\n")
		dir := "OUT"
		if ep.Address&0x80 != 0 {
			dir = "IN"
		}
		fmt.Fprintf(w, "              Endpoint: %d (%s)\n", ep.Address&0xF, dir)
		fmt.Fprintf(w, "                  Type: %s\n", transferTypes[ep.Attributes&0x3])
		fmt.Fprintf(w, "       Synchronization: %s\n", syncTypes[(ep.Attributes>>2)&0x3])
		fmt.Fprintf(w, "                 Usage: %s\n", usageTypes[(ep.Attributes>>4)&0x3])
		fmt.Fprintf(w, "       Max packet size: %d\n", ep.MaxPacketSize)
		if ep.Interval > 0 {
			fmt.Fprintf(w, "             bInterval: %d (%.3g ms)\n",
				ep.Interval, float64(devicePollInterval(ep.Interval).Microseconds())/1000)
		}
	}
}
