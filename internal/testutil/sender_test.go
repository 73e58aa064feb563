package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/xdcshop/internal/protocol"
)

func TestRecordingSender(t *testing.T) {
	var s RecordingSender
	ctx := context.Background()

	require.NoError(t, s.SendUpdate(ctx, protocol.StatusUpdate{Descr: "one"}))

	boom := errors.New("offline")
	s.Fail(boom)
	assert.ErrorIs(t, s.SendUpdate(ctx, protocol.StatusUpdate{Descr: "two"}), boom)

	s.Fail(nil)
	require.NoError(t, s.SendUpdate(ctx, protocol.StatusUpdate{Descr: "three"}))

	sent := s.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "one", sent[0].Descr)
	assert.Equal(t, "three", sent[1].Descr)
}
