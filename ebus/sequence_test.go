package ebus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceStuffingRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  []byte
	}{
		{"no special bytes", []byte{0x10, 0x08, 0xB5, 0x11, 0x01, 0x01}},
		{"embedded syn byte", []byte{0x03, 0xB0, 0xFB, SymSyn}},
		{"embedded exp byte", []byte{0x01, SymExp, 0x02}},
		{"syn and exp adjacent", []byte{SymSyn, SymExp, SymSyn}},
		{"empty", []byte{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := NewSequenceFrom(append([]byte{}, tc.raw...), false)
			s.Extend()
			s.Reduce()
			assert.Equal(t, tc.raw, s.ToVector())
		})
	}
}

func TestSequenceExtendStuffsReservedBytes(t *testing.T) {
	t.Parallel()

	s := NewSequenceFrom([]byte{0x01, SymSyn, 0x02, SymExp, 0x03}, false)
	s.Extend()
	assert.Equal(t, []byte{0x01, SymExp, SymSynExp, 0x02, SymExp, SymExpExp, 0x03}, s.ToVector())
}

func TestSequenceReduceIsLenientOnMalformedEscapes(t *testing.T) {
	t.Parallel()

	// A trailing EXP with no continuation byte is passed through rather than
	// rejected, matching the reference implementation's tolerance.
	s := NewSequenceFrom([]byte{0x01, SymExp}, true)
	s.Reduce()
	assert.Equal(t, []byte{0x01, SymExp}, s.ToVector())
}

func TestCRCMatchesKnownMasterSequence(t *testing.T) {
	t.Parallel()

	// QQ ZZ PB SB NN DB1 from the MS success trace; CRC is the byte observed
	// on the wire immediately after DB1.
	master := NewSequenceFrom([]byte{0x10, 0x08, 0xB5, 0x11, 0x01, 0x01}, false)
	require.Equal(t, byte(0x89), master.CRC())
}

func TestCRCRestoresSequenceForm(t *testing.T) {
	t.Parallel()

	s := NewSequenceFrom([]byte{0x03, 0xB0, 0xFB, SymSyn}, false)
	_ = s.CRC()
	// CRC() must not leave the sequence in its stuffed form when it started
	// out raw.
	assert.Equal(t, []byte{0x03, 0xB0, 0xFB, SymSyn}, s.ToVector())
}

func TestHexRoundTrip(t *testing.T) {
	t.Parallel()

	raw := []byte{0x10, 0x08, 0xB5, 0xAA, 0xFF}
	assert.Equal(t, raw, FromHex(ToHex(raw)))
}

func TestFromHexTruncatesOddTrailer(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte{0x10, 0x08}, FromHex("1008B"))
}

func TestContains(t *testing.T) {
	t.Parallel()

	vec := []byte{0x07, 0xFE, 0x00, 0x01, 0x02}
	assert.True(t, Contains(vec, []byte{0xFE, 0x00}))
	assert.False(t, Contains(vec, []byte{0x00, 0xFE}))
	assert.True(t, Contains(vec, []byte{0x01, 0x02}, 2))
	assert.False(t, Contains(vec, []byte{0x07}, 1))
	assert.True(t, Contains(vec, nil))
}

func TestNewSequenceSliceToEnd(t *testing.T) {
	t.Parallel()

	s := NewSequenceFrom([]byte{0x01, 0x02, 0x03, 0x04}, false)
	tail := NewSequenceSlice(s, 2, 0)
	assert.Equal(t, []byte{0x03, 0x04}, tail.ToVector())
}
