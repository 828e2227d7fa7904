package mousesvc

import (
	"context"
	"io"

	"github.com/icprog/usbMouse/internal/mousesvc/usb"
	"go.uber.org/zap"
)

// Describe connects to the device once, reads a single input report and
// writes a full diagnostic dump. Used by the CLI for one-shot inspection
// without a running service.
func Describe(log *zap.Logger, identity usb.Identity, backend usb.Backend, w io.Writer, details int) error {
	s := newSession(log, identity.String(), identity, backend, wallClock{}, DefaultBackoff, 0,
		func(context.Context, SessionEvent) {})
	if err := s.connect(context.Background()); err != nil {
		return err
	}
	defer func() {
		s.mu.Lock()
		dev := s.dev
		s.dev = nil
		s.mu.Unlock()
		if dev != nil {
			dev.Close()
		}
	}()
	if err := s.pollOnce(); err != nil {
		log.Warn("Failed to read an input report", zap.Error(err))
	}
	s.Report(w, details)
	return nil
}
