package clientmux

// maxDataLength bounds NN so a misbehaving client can't make the assembler
// grow without limit.
const maxDataLength = 16

// assembler accumulates the raw wire bytes a write-capable client sends for
// one telegram: QQ ZZ PB SB NN DB1..DBn CRC, exactly as they would appear on
// the bus. QQ and the trailing CRC are stripped in body(), since the
// scheduler always arbitrates with the handler's own configured address and
// recomputes the CRC itself.
type assembler struct {
	buf     []byte
	dropped bool
}

func newAssembler() *assembler {
	return &assembler{buf: make([]byte, 0, maxDataLength+6)}
}

// push appends one byte and reports whether the telegram is now complete.
func (a *assembler) push(b byte) bool {
	a.buf = append(a.buf, b)

	if len(a.buf) == 5 {
		if int(a.buf[4]) > maxDataLength {
			a.dropped = true
			return false
		}
	}
	return a.ready()
}

// ready reports whether enough bytes have arrived to submit the telegram.
func (a *assembler) ready() bool {
	if len(a.buf) < 5 {
		return false
	}
	want := 5 + int(a.buf[4]) + 1
	return len(a.buf) >= want
}

// body returns the assembled ZZ PB SB NN DB... bytes, with the leading QQ
// and trailing CRC stripped, or nil if the telegram isn't complete.
func (a *assembler) body() []byte {
	if !a.ready() {
		return nil
	}
	nn := int(a.buf[4])
	end := 5 + nn
	out := make([]byte, end-1)
	copy(out, a.buf[1:end])
	return out
}

func (a *assembler) reset() {
	a.buf = a.buf[:0]
}
