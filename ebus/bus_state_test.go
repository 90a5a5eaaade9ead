package ebus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusStateTrackerTwoSynStartup(t *testing.T) {
	t.Parallel()

	b := NewBusStateTracker()
	require.Equal(t, Startup, b.State())

	b.Data(SymSyn)
	assert.Equal(t, StartupFirstSyn, b.State())

	b.Data(SymSyn)
	assert.Equal(t, ReceivedFirstSYN, b.State(), "two consecutive SYN bytes synchronize the bus")
}

func TestBusStateTrackerFalseStartResetsToBusy(t *testing.T) {
	t.Parallel()

	b := NewBusStateTracker()
	b.Data(SymSyn)
	b.Data(0x10) // not a second SYN
	assert.Equal(t, StartupSymbolAfterFirstSyn, b.State())

	b.Data(0x20) // still not a SYN
	assert.Equal(t, Busy, b.State())

	b.Data(SymSyn)
	assert.Equal(t, ReceivedFirstSYN, b.State(), "a SYN always resynchronizes from Busy")
}

func TestBusStateTrackerRecordsArbitrationAddressAndSymbol(t *testing.T) {
	t.Parallel()

	b := NewBusStateTracker()
	b.Data(SymSyn)
	b.Data(SymSyn)
	require.Equal(t, ReceivedFirstSYN, b.State())

	b.Data(0x10)
	assert.Equal(t, ReceivedAddressAfterFirstSYN, b.State())
	assert.Equal(t, byte(0x10), b.Master())

	b.Data(0x08)
	assert.Equal(t, Busy, b.State())
	assert.Equal(t, byte(0x08), b.Symbol())
}

func TestBusStateTrackerSecondRoundContention(t *testing.T) {
	t.Parallel()

	b := NewBusStateTracker()
	b.Data(SymSyn)
	b.Data(SymSyn)
	b.Data(0x10)
	require.Equal(t, ReceivedAddressAfterFirstSYN, b.State())

	b.Data(SymSyn)
	assert.Equal(t, ReceivedSecondSYN, b.State())

	b.Data(0x13)
	assert.Equal(t, ReceivedAddressAfterSecondSYN, b.State())
	assert.Equal(t, byte(0x13), b.Master())
}

func TestBusStateTrackerDoubleSynMidContestRestartsSync(t *testing.T) {
	t.Parallel()

	b := NewBusStateTracker()
	b.Data(SymSyn)
	b.Data(SymSyn)
	b.Data(0x10)
	b.Data(SymSyn)
	require.Equal(t, ReceivedSecondSYN, b.State())

	b.Data(SymSyn)
	assert.Equal(t, ReceivedFirstSYN, b.State(), "a SYN where an address was expected resynchronizes")
}

func TestBusStateTrackerReset(t *testing.T) {
	t.Parallel()

	b := NewBusStateTracker()
	b.Data(SymSyn)
	b.Data(SymSyn)
	b.Data(0x10)
	b.Reset()
	assert.Equal(t, Startup, b.State())
}

func TestBusStateTrackerMicrosSinceLastSyn(t *testing.T) {
	t.Parallel()

	b := NewBusStateTracker()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := base
	b.now = func() time.Time { return cur }

	b.Data(SymSyn)
	cur = cur.Add(100 * time.Microsecond)
	b.Data(SymSyn)
	require.Equal(t, ReceivedFirstSYN, b.State())

	cur = cur.Add(250 * time.Microsecond)
	assert.Equal(t, int64(250), b.MicrosSinceLastSyn())
}
