package ebus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysReady() bool { return true }

func TestHandlerEnqueueRequiresMonitorBus(t *testing.T) {
	t.Parallel()

	uart := &recordingUART{}
	h := NewHandler(0x10, uart, alwaysReady)

	ok := h.Enqueue([]byte{0x08, 0xB5, 0x11, 0x01, 0x01})
	require.True(t, ok)
	assert.Equal(t, HSArbitration, h.State())

	assert.False(t, h.Enqueue([]byte{0x08, 0xB5, 0x11, 0x01, 0x01}), "already engaged")
}

func TestHandlerEnqueueRejectsInvalidBody(t *testing.T) {
	t.Parallel()

	uart := &recordingUART{}
	h := NewHandler(0x10, uart, alwaysReady)

	// NN=20 exceeds MaxBytes.
	ok := h.Enqueue([]byte{0x08, 0xB5, 0x11, 20})
	assert.False(t, ok)
	assert.Equal(t, HSMonitorBus, h.State())
}

func TestHandlerReset(t *testing.T) {
	t.Parallel()

	uart := &recordingUART{}
	h := NewHandler(0x10, uart, alwaysReady)
	require.True(t, h.Enqueue([]byte{0x08, 0xB5, 0x11, 0x01, 0x01}))

	h.Reset()
	assert.Equal(t, HSMonitorBus, h.State())
	assert.False(t, h.Engaged())
}

func TestHandlerMonitorPassiveTelegramEmitsEvent(t *testing.T) {
	t.Parallel()

	uart := &recordingUART{}
	h := NewHandler(0x10, uart, alwaysReady)

	raw := FromHex("1008B5110101890003B0FBA901D000")
	for _, b := range raw {
		h.Monitor(b)
	}
	h.Monitor(SymSyn) // delimiter flushes the accumulated telegram

	select {
	case ev := <-h.Events():
		assert.Equal(t, EventTelegram, ev.Kind)
		assert.Equal(t, MessagePassive, ev.MessageType)
		assert.Equal(t, TypeMS, ev.Telegram.Type())
	default:
		t.Fatal("expected a telegram event")
	}
}

func TestHandlerMonitorClassifiesReactiveByTargetAddress(t *testing.T) {
	t.Parallel()

	uart := &recordingUART{}
	h := NewHandler(0x08, uart, alwaysReady) // our slave address is the target (ZZ=0x08)

	raw := FromHex("1008B5110101890003B0FBA901D000")
	for _, b := range raw {
		h.Monitor(b)
	}
	h.Monitor(SymSyn)

	ev := <-h.Events()
	assert.Equal(t, MessageReactive, ev.MessageType)
}

// TestHandlerEndToEndSendSuccess drives a full active master-slave exchange
// through the Send/Receive state machine as the bus byte loop would.
func TestHandlerEndToEndSendSuccess(t *testing.T) {
	t.Parallel()

	uart := &recordingUART{}
	h := NewHandler(0x10, uart, alwaysReady)
	require.True(t, h.Enqueue([]byte{0x08, 0xB5, 0x11, 0x01, 0x01}))
	require.Equal(t, HSArbitration, h.State())

	// Arbitration won: the byte addressed to us is echoed back.
	h.Receive(0x10)
	require.Equal(t, HSSendMessage, h.State())

	h.Send()
	require.Equal(t, []byte{0x08}, uart.written, "QQ was already on the wire from arbitration; ZZ is sent next")

	rest := []byte{0x08, 0xB5, 0x11, 0x01, 0x01, 0x89}
	for _, b := range rest {
		h.Receive(b) // echo of each byte we write
		h.Send()
	}
	require.Equal(t, HSReceiveAcknowledge, h.State())
	assert.Equal(t, rest, uart.written)

	h.Receive(SymZero) // positive ACK
	require.Equal(t, HSReceiveResponse, h.State())

	// Wire-level slave bytes: NN=3, DB1=B0, DB2=FB, DB3=0xAA stuffed as EXP,SynExp, CRC=0xD0.
	slave := []byte{0x03, 0xB0, 0xFB, SymExp, SymSynExp, 0xD0}
	for _, b := range slave {
		h.Receive(b)
	}
	require.Equal(t, HSSendPositiveAcknowledge, h.State())

	h.Send()           // writes our positive ACK
	h.Receive(SymZero) // echo of that ACK
	require.Equal(t, HSFreeBus, h.State())

	h.Send()          // writes SYN to release the bus
	h.Receive(SymSyn) // echo of the SYN: FreeBus -> MonitorBus
	assert.Equal(t, HSMonitorBus, h.State())

	ev := <-h.Events()
	assert.Equal(t, EventTelegram, ev.Kind)
	assert.Equal(t, MessageActive, ev.MessageType)
	assert.True(t, ev.Telegram.IsValid())
}

func TestHandlerMasterNAKIsRetriedOnce(t *testing.T) {
	t.Parallel()

	uart := &recordingUART{}
	h := NewHandler(0x10, uart, alwaysReady)
	require.True(t, h.Enqueue([]byte{0x08, 0xB5, 0x11, 0x01, 0x01}))

	h.Receive(0x10) // won arbitration
	master := []byte{0x08, 0xB5, 0x11, 0x01, 0x01, 0x89}
	for _, b := range master {
		h.Receive(b)
	}
	require.Equal(t, HSReceiveAcknowledge, h.State())

	h.Receive(SymNak)
	assert.Equal(t, HSSendMessage, h.State(), "first NAK retries the full master send")

	h.Send() // resend ZZ
	for _, b := range master {
		h.Receive(b) // echo of the retransmitted bytes
		h.Send()
	}
	require.Equal(t, HSReceiveAcknowledge, h.State())

	h.Receive(SymNak) // second NAK gives up
	assert.Equal(t, HSFreeBus, h.State())

	ev := <-h.Events()
	assert.Equal(t, EventError, ev.Kind)
}
