// Package ebus implements the eBUS field-bus protocol core: sequence
// byte-stuffing and CRC, telegram parsing and building, bus-state tracking,
// arbitration, the send/receive handler state machine, scheduling, device
// discovery, counters, and value datatype codecs.
package ebus

import (
	"encoding/hex"
	"strings"
)

// Reserved wire symbols.
const (
	SymZero   byte = 0x00 // zero byte, positive ACK
	SymSyn    byte = 0xAA // synchronization byte
	SymExp    byte = 0xA9 // escape byte
	SymSynExp byte = 0x01 // stuffed form of SymSyn
	SymExpExp byte = 0x00 // stuffed form of SymExp
	SymNak    byte = 0xFF
	SymBroad  byte = 0xFE
)

// Sequence is an ordered byte buffer carrying a stuffed/raw flag, mirroring
// the wire representation used throughout the eBUS protocol: a telegram is
// built and parsed in its raw (reduced) form, but its CRC is always computed
// over the stuffed (extended) form.
type Sequence struct {
	buf      []byte
	extended bool
}

// NewSequence returns an empty Sequence.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceFrom builds a Sequence from vec, marked extended per the flag.
func NewSequenceFrom(vec []byte, extended bool) *Sequence {
	s := &Sequence{}
	s.Assign(vec, extended)
	return s
}

// NewSequenceSlice builds a Sequence from the [index, index+length) slice of
// seq. length == 0 means "to the end".
func NewSequenceSlice(seq *Sequence, index int, length int) *Sequence {
	if length == 0 {
		length = seq.Size() - index
	}
	out := &Sequence{extended: seq.extended}
	for i := index; i < index+length; i++ {
		out.buf = append(out.buf, seq.buf[i])
	}
	return out
}

// Assign replaces the contents of s with vec, marked extended per the flag.
func (s *Sequence) Assign(vec []byte, extended bool) {
	s.Clear()
	for _, b := range vec {
		s.PushBack(b, extended)
	}
}

// PushBack appends byte b, setting the sequence's extended flag.
func (s *Sequence) PushBack(b byte, extended bool) {
	s.buf = append(s.buf, b)
	s.extended = extended
}

// At returns the byte at index.
func (s *Sequence) At(index int) byte {
	return s.buf[index]
}

// Size returns the number of bytes currently held.
func (s *Sequence) Size() int {
	return len(s.buf)
}

// Clear empties the sequence and resets the extended flag.
func (s *Sequence) Clear() {
	s.buf = nil
	s.extended = false
}

// Range returns a bounded copy of [index, index+length), clamped to the
// buffer's end, without mutating s.
func (s *Sequence) Range(index int, length int) []byte {
	return Range(s.buf, index, length)
}

// Range returns a bounded copy of vec[index : index+length], clamped to
// vec's end.
func Range(vec []byte, index int, length int) []byte {
	out := make([]byte, 0, length)
	for i := index; i < len(vec) && len(out) < length; i++ {
		out = append(out, vec[i])
	}
	return out
}

// ToVector returns the sequence's current byte slice, in whatever form
// (raw or stuffed) it currently holds.
func (s *Sequence) ToVector() []byte {
	return s.buf
}

// ToString returns the sequence as a lowercase hex string.
func (s *Sequence) ToString() string {
	return ToHex(s.buf)
}

// ToHex formats vec as a lowercase hex string.
func ToHex(vec []byte) string {
	return hex.EncodeToString(vec)
}

// FromHex decodes a hex string into a byte slice. Malformed input yields a
// best-effort partial decode, matching the original implementation's
// strtoul-per-pair behavior of silently truncating at the first odd byte.
func FromHex(str string) []byte {
	str = strings.TrimSpace(str)
	n := len(str) / 2 * 2
	out, err := hex.DecodeString(str[:n])
	if err != nil {
		return nil
	}
	return out
}

// Contains reports whether search appears as a contiguous subsequence of vec
// starting at or after the optional start offset (default 0).
func Contains(vec []byte, search []byte, start ...int) bool {
	from := 0
	if len(start) > 0 {
		from = start[0]
	}
	if len(search) == 0 {
		return true
	}
	for i := from; i+len(search) <= len(vec); i++ {
		match := true
		for j := range search {
			if vec[i+j] != search[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Extend converts the sequence from raw to stuffed form in place.
// SYN becomes EXP,SynExp and EXP becomes EXP,ExpExp. Idempotent when already
// extended.
func (s *Sequence) Extend() {
	if s.extended {
		return
	}
	tmp := make([]byte, 0, len(s.buf))
	for _, b := range s.buf {
		switch b {
		case SymSyn:
			tmp = append(tmp, SymExp, SymSynExp)
		case SymExp:
			tmp = append(tmp, SymExp, SymExpExp)
		default:
			tmp = append(tmp, b)
		}
	}
	s.buf = tmp
	s.extended = true
}

// Reduce converts the sequence from stuffed to raw form in place.
//
// Malformed escape sequences (an EXP or SYN byte not followed by a
// recognized stuffed continuation) are passed through rather than rejected;
// this exact leniency is required for wire compatibility with the original
// implementation.
func (s *Sequence) Reduce() {
	if !s.extended {
		return
	}
	tmp := make([]byte, 0, len(s.buf))
	pending := false
	var escape byte
	for _, b := range s.buf {
		switch {
		case pending:
			switch b {
			case SymSynExp:
				tmp = append(tmp, SymSyn)
			case SymExpExp:
				tmp = append(tmp, SymExp)
			default:
				tmp = append(tmp, escape, b)
			}
			pending = false
		case b == SymSyn || b == SymExp:
			escape = b
			pending = true
		default:
			tmp = append(tmp, b)
		}
	}
	if pending {
		tmp = append(tmp, escape)
	}
	s.buf = tmp
	s.extended = false
}

// CRC8 table for polynomial 0x9B = x^8 + x^7 + x^4 + x^3 + x + 1.
var crcTable = [256]byte{
	0x00, 0x9b, 0xad, 0x36, 0xc1, 0x5a, 0x6c, 0xf7, 0x19, 0x82, 0xb4, 0x2f,
	0xd8, 0x43, 0x75, 0xee, 0x32, 0xa9, 0x9f, 0x04, 0xf3, 0x68, 0x5e, 0xc5,
	0x2b, 0xb0, 0x86, 0x1d, 0xea, 0x71, 0x47, 0xdc, 0x64, 0xff, 0xc9, 0x52,
	0xa5, 0x3e, 0x08, 0x93, 0x7d, 0xe6, 0xd0, 0x4b, 0xbc, 0x27, 0x11, 0x8a,
	0x56, 0xcd, 0xfb, 0x60, 0x97, 0x0c, 0x3a, 0xa1, 0x4f, 0xd4, 0xe2, 0x79,
	0x8e, 0x15, 0x23, 0xb8, 0xc8, 0x53, 0x65, 0xfe, 0x09, 0x92, 0xa4, 0x3f,
	0xd1, 0x4a, 0x7c, 0xe7, 0x10, 0x8b, 0xbd, 0x26, 0xfa, 0x61, 0x57, 0xcc,
	0x3b, 0xa0, 0x96, 0x0d, 0xe3, 0x78, 0x4e, 0xd5, 0x22, 0xb9, 0x8f, 0x14,
	0xac, 0x37, 0x01, 0x9a, 0x6d, 0xf6, 0xc0, 0x5b, 0xb5, 0x2e, 0x18, 0x83,
	0x74, 0xef, 0xd9, 0x42, 0x9e, 0x05, 0x33, 0xa8, 0x5f, 0xc4, 0xf2, 0x69,
	0x87, 0x1c, 0x2a, 0xb1, 0x46, 0xdd, 0xeb, 0x70, 0x0b, 0x90, 0xa6, 0x3d,
	0xca, 0x51, 0x67, 0xfc, 0x12, 0x89, 0xbf, 0x24, 0xd3, 0x48, 0x7e, 0xe5,
	0x39, 0xa2, 0x94, 0x0f, 0xf8, 0x63, 0x55, 0xce, 0x20, 0xbb, 0x8d, 0x16,
	0xe1, 0x7a, 0x4c, 0xd7, 0x6f, 0xf4, 0xc2, 0x59, 0xae, 0x35, 0x03, 0x98,
	0x76, 0xed, 0xdb, 0x40, 0xb7, 0x2c, 0x1a, 0x81, 0x5d, 0xc6, 0xf0, 0x6b,
	0x9c, 0x07, 0x31, 0xaa, 0x44, 0xdf, 0xe9, 0x72, 0x85, 0x1e, 0x28, 0xb3,
	0xc3, 0x58, 0x6e, 0xf5, 0x02, 0x99, 0xaf, 0x34, 0xda, 0x41, 0x77, 0xec,
	0x1b, 0x80, 0xb6, 0x2d, 0xf1, 0x6a, 0x5c, 0xc7, 0x30, 0xab, 0x9d, 0x06,
	0xe8, 0x73, 0x45, 0xde, 0x29, 0xb2, 0x84, 0x1f, 0xa7, 0x3c, 0x0a, 0x91,
	0x66, 0xfd, 0xcb, 0x50, 0xbe, 0x25, 0x13, 0x88, 0x7f, 0xe4, 0xd2, 0x49,
	0x95, 0x0e, 0x38, 0xa3, 0x54, 0xcf, 0xf9, 0x62, 0x8c, 0x17, 0x21, 0xba,
	0x4d, 0xd6, 0xe0, 0x7b,
}

// CalcCRC folds byte into the running CRC value init. Note this is table
// indexed by the running value, not by init^byte: calc_crc(byte, init) =
// table[init] ^ byte. Preserved verbatim from the reference implementation.
func CalcCRC(b byte, init byte) byte {
	return crcTable[init] ^ b
}

// CRC computes the CRC-8 of the sequence's stuffed form, restoring the
// sequence's original (raw or stuffed) representation before returning.
func (s *Sequence) CRC() byte {
	wasExtended := s.extended
	if !s.extended {
		s.Extend()
	}
	crc := SymZero
	for _, b := range s.buf {
		crc = CalcCRC(b, crc)
	}
	if !wasExtended {
		s.Reduce()
	}
	return crc
}

// CRCBytes computes the CRC-8 of vec treated as already-stuffed bytes.
func CRCBytes(vec []byte) byte {
	crc := SymZero
	for _, b := range vec {
		crc = CalcCRC(b, crc)
	}
	return crc
}
