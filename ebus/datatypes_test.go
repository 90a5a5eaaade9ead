package ebus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		want DataType
	}{
		{"UINT8", DataTypeUint8},
		{"FLOAT", DataTypeFloat},
		{"CHAR8", DataTypeChar},
		{"HEX4", DataTypeHex},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dt, ok := ParseDataType(tc.name)
			require.True(t, ok)
			assert.Equal(t, tc.want, dt)
		})
	}

	_, ok := ParseDataType("NOTATYPE")
	assert.False(t, ok)
}

func TestDataTypeFixedLength(t *testing.T) {
	t.Parallel()

	n, ok := DataTypeUint16.FixedLength()
	require.True(t, ok)
	assert.Equal(t, 2, n)

	_, ok = DataTypeChar.FixedLength()
	assert.False(t, ok, "string types carry an explicit length, not a fixed one")
}

func TestBCDRoundTrip(t *testing.T) {
	t.Parallel()

	for v := 0.0; v <= 99; v++ {
		encoded := EncodeBCD(v)
		decoded, err := DecodeBCD(encoded)
		require.NoError(t, err)
		assert.Equal(t, v, decoded)
	}
}

func TestBCDInvalidNibble(t *testing.T) {
	t.Parallel()

	_, err := DecodeBCD(0xAB)
	assert.ErrorIs(t, err, ErrBCDInvalid)
}

func TestData1bRoundTrip(t *testing.T) {
	t.Parallel()

	assert.Equal(t, -10.0, DecodeData1b(EncodeData1b(-10)))
}

func TestData1cRoundTrip(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 12.5, DecodeData1c(EncodeData1c(12.5)), 0.001)
}

func TestData2bRoundTrip(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 21.5, DecodeData2b(EncodeData2b(21.5)), 0.01)
}

func TestData2cRoundTrip(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 21.5, DecodeData2c(EncodeData2c(21.5)), 0.1)
}

func TestFloatRoundTrip(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 3.141, DecodeFloat(EncodeFloat(3.141)), 0.001)
}

func TestEncodeDecodeDispatch(t *testing.T) {
	t.Parallel()

	bytes, err := Encode(DataTypeUint16, 1024)
	require.NoError(t, err)
	v, err := Decode(DataTypeUint16, bytes)
	require.NoError(t, err)
	assert.Equal(t, 1024.0, v)
}

func TestEncodeDecodeRejectsNonNumericType(t *testing.T) {
	t.Parallel()

	_, err := Encode(DataTypeChar, 1)
	assert.Error(t, err)
	_, err = Decode(DataTypeChar, []byte{'a'})
	assert.Error(t, err)
}

func TestEncodeStringPadsAndTruncates(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte("ab  "), EncodeString("ab", 4))
	assert.Equal(t, []byte("abcd"), EncodeString("abcdef", 4))
}

func TestDecodeStringTrimsPadding(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ab", DecodeString([]byte("ab\x00\x00")))
	assert.Equal(t, "ab", DecodeString([]byte("ab  ")))
}

func TestClamp(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, Clamp(-5, 0, 10))
	assert.Equal(t, 10.0, Clamp(50, 0, 10))
	assert.Equal(t, 5.0, Clamp(5, 0, 10))
}
