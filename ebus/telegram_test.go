package ebus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMasterExactly25Addresses(t *testing.T) {
	t.Parallel()

	valid := map[byte]struct{}{}
	nibbles := []byte{0x0, 0x1, 0x3, 0x7, 0xF}
	for _, hi := range nibbles {
		for _, lo := range nibbles {
			valid[hi<<4|lo] = struct{}{}
		}
	}
	require.Len(t, valid, 25)

	count := 0
	for b := 0; b < 256; b++ {
		if IsMaster(byte(b)) {
			count++
			_, ok := valid[byte(b)]
			assert.True(t, ok, "unexpected master address %#x", b)
		}
	}
	assert.Equal(t, 25, count)
}

func TestIsSlaveExcludesMastersAndReservedSymbols(t *testing.T) {
	t.Parallel()

	assert.False(t, IsSlave(0x10), "0x10 is a master address")
	assert.False(t, IsSlave(SymSyn))
	assert.False(t, IsSlave(SymExp))
	assert.True(t, IsSlave(0x08))
}

func TestSlaveAddress(t *testing.T) {
	t.Parallel()

	assert.Equal(t, byte(0x08), SlaveAddress(0x03), "master addresses answer at address+5")
	assert.Equal(t, byte(0x08), SlaveAddress(0x08), "slave addresses answer for themselves")
}

// TestParseMSSuccess is scenario S1: a complete Master-Slave exchange with
// positive acknowledgements on both halves, including a data byte that
// requires byte-stuffing on the wire.
func TestParseMSSuccess(t *testing.T) {
	t.Parallel()

	raw := FromHex("1008B5110101890003B0FBA901D000")
	seq := NewSequenceFrom(raw, true)

	tg := ParseTelegram(seq)

	require.Equal(t, StateOK, tg.MasterState())
	require.Equal(t, StateOK, tg.SlaveState())
	assert.True(t, tg.IsValid())
	assert.Equal(t, TypeMS, tg.Type())
	assert.Equal(t, byte(0x10), tg.SourceAddress())
	assert.Equal(t, byte(0x08), tg.TargetAddress())
	assert.Equal(t, byte(0x89), tg.MasterCRC())
	assert.Equal(t, byte(0xD0), tg.SlaveCRC())
	assert.Equal(t, []byte{0x10, 0x08, 0xB5, 0x11, 0x01, 0x01}, tg.Master().ToVector())
	assert.Equal(t, []byte{0x03, 0xB0, 0xFB, SymSyn}, tg.Slave().ToVector(), "stuffed DB3 must be destuffed back to 0xAA")
}

// TestParseMasterNAKRetry is scenario S2: the first master transmission is
// negatively acknowledged and successfully retransmitted.
func TestParseMasterNAKRetry(t *testing.T) {
	t.Parallel()

	first := []byte{0x10, 0x08, 0xB5, 0x11, 0x01, 0x01, 0x89, SymNak}
	retry := FromHex("1008B5110101890003B0FBA901D000")
	raw := append(append([]byte{}, first...), retry...)

	seq := NewSequenceFrom(raw, true)
	tg := ParseTelegram(seq)

	require.Equal(t, StateOK, tg.MasterState())
	require.Equal(t, StateOK, tg.SlaveState())
	assert.True(t, tg.IsValid())
	assert.Equal(t, []byte{0x10, 0x08, 0xB5, 0x11, 0x01, 0x01}, tg.Master().ToVector(),
		"the retransmitted master half is the one recorded")
}

// TestParseBroadcast is scenario S3: a broadcast telegram (ZZ = 0xFE) carries
// no slave half and no ACK round-trip at all.
func TestParseBroadcast(t *testing.T) {
	t.Parallel()

	// ZZ=broadcast, PB SB NN from the broadcast-inquiry-of-existence command.
	body := []byte{SymBroad, 0x07, 0xFE, 0x00}
	master := NewSequenceFrom(append([]byte{0x10}, body...), false)
	crc := master.CRC()
	raw := append(master.ToVector(), crc)

	seq := NewSequenceFrom(raw, true)
	tg := ParseTelegram(seq)

	require.Equal(t, StateOK, tg.MasterState())
	assert.Equal(t, TypeBC, tg.Type())
	assert.True(t, tg.IsValid())
	assert.Equal(t, StateEmpty, tg.SlaveState(), "a broadcast telegram never gets a slave half")
}

func TestParseShortSequenceIsError(t *testing.T) {
	t.Parallel()

	seq := NewSequenceFrom([]byte{0x10, 0x08, 0xB5}, true)
	tg := ParseTelegram(seq)

	assert.Equal(t, StateErrShort, tg.MasterState())
	assert.False(t, tg.IsValid())
}

func TestParseRejectsInvalidSourceAddress(t *testing.T) {
	t.Parallel()

	// QQ = 0x08 is not one of the 25 valid master addresses.
	seq := NewSequenceFrom([]byte{0x08, 0x08, 0xB5, 0x11, 0x00, 0x00}, true)
	tg := ParseTelegram(seq)

	assert.Equal(t, StateErrQQ, tg.MasterState())
}

func TestCreateMasterFromBuildsValidTelegram(t *testing.T) {
	t.Parallel()

	tg := NewTelegram()
	tg.CreateMasterFrom(0x10, []byte{0x08, 0xB5, 0x11, 0x01, 0x01})

	require.Equal(t, StateOK, tg.MasterState())
	assert.Equal(t, byte(0x89), tg.MasterCRC())
}
