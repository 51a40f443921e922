package audit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditChain(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	l := New(clock)
	l.Append(EventFormat, 0)
	clock.Advance(time.Minute)
	e := l.Append(EventCompaction, 12)
	assert.Equal(t, int64(1_700_000_060), e.TS)
	assert.Equal(t, uint64(1), e.Seq)
	require.NoError(t, l.Verify())

	entries := l.Entries()
	entries[1].Count = 13
	assert.ErrorIs(t, VerifyEntries(entries), ErrChainBroken)

	entries = l.Entries()
	assert.ErrorIs(t, VerifyEntries(entries[1:]), ErrChainBroken, "truncating the head is detected")
}

func TestAuditNilLog(t *testing.T) {
	var l *Log
	assert.Equal(t, Entry{}, l.Append(EventMount, 0))
	assert.Nil(t, l.Entries())
}
