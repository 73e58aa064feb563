package testutil

import (
	"context"
	"sync"

	"github.com/roach88/xdcshop/internal/protocol"
)

// RecordingSender captures outbound status updates.
// The zero value is ready to use.
type RecordingSender struct {
	mu   sync.Mutex
	sent []protocol.StatusUpdate
	err  error
}

// SendUpdate records update, or fails with the error set by Fail.
func (s *RecordingSender) SendUpdate(_ context.Context, update protocol.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, update)
	return nil
}

// Sent returns a copy of everything sent so far.
func (s *RecordingSender) Sent() []protocol.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.StatusUpdate, len(s.sent))
	copy(out, s.sent)
	return out
}

// Fail sets or clears the send error.
func (s *RecordingSender) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
