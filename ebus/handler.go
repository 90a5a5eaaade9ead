package ebus

// HandlerState is the active-telegram send/receive state machine driven by
// every byte observed on the bus once this handler has won arbitration (or
// has a telegram queued to contest for it).
type HandlerState int

const (
	HSMonitorBus HandlerState = iota
	HSArbitration
	HSSendMessage
	HSReceiveAcknowledge
	HSReceiveResponse
	HSSendPositiveAcknowledge
	HSSendNegativeAcknowledge
	HSFreeBus
)

var handlerStateNames = [...]string{
	"MonitorBus",
	"Arbitration",
	"SendMessage",
	"ReceiveAcknowledge",
	"ReceiveResponse",
	"SendPositiveAcknowledge",
	"SendNegativeAcknowledge",
	"FreeBus",
}

func (s HandlerState) String() string {
	if int(s) < len(handlerStateNames) {
		return handlerStateNames[s]
	}
	return "HandlerState(?)"
}

// Handler drives one half-duplex telegram exchange at a time: building and
// sending an enqueued master telegram, or passively tallying telegrams
// exchanged by other bus members. Results are reported asynchronously on
// Events rather than through callbacks, so the scheduler (and anything else
// watching the bus) can drain them on its own schedule.
type Handler struct {
	address  byte
	uart     UARTWriter
	busReady func() bool

	state HandlerState

	monitorSeq *Sequence

	telegram *Telegram

	master       *Sequence
	sendIndex    int
	receiveIndex int
	masterRepeated bool

	slave          *Sequence
	slaveIndex     int
	slaveNN        int
	slaveRepeated  bool

	sendAcknowledge bool
	sendSyn         bool

	events  chan Event
	counter *Counter
}

// NewHandler returns a Handler for the given own master address. uart is
// used only for the single-shot writes this state machine owns (ACK/NAK/SYN
// and the telegram bytes themselves); busReady reports whether the
// underlying UART's transmit path is currently free to accept a byte.
func NewHandler(address byte, uart UARTWriter, busReady func() bool) *Handler {
	h := &Handler{
		address:    address,
		uart:       uart,
		busReady:   busReady,
		monitorSeq: NewSequence(),
		telegram:   NewTelegram(),
		master:     NewSequence(),
		slave:      NewSequence(),
		events:     make(chan Event, 64),
		counter:    NewCounter(),
	}
	return h
}

// Events returns the channel the handler reports Won/Lost/telegram/error
// events on.
func (h *Handler) Events() <-chan Event { return h.events }

// Counters returns the handler's running statistics.
func (h *Handler) Counters() *Counter { return h.counter }

// ResetCounters zeroes the handler's statistics.
func (h *Handler) ResetCounters() { h.counter.Reset() }

// State returns the current handler state.
func (h *Handler) State() HandlerState { return h.state }

// Engaged reports whether the handler currently owns an in-flight telegram,
// i.e. the caller must route received bytes to Receive rather than Monitor.
func (h *Handler) Engaged() bool { return h.state != HSMonitorBus }

// Address returns the handler's own master address, the value an Arbitration
// attempt should be started with once this handler has something enqueued.
func (h *Handler) Address() byte { return h.address }

// Reset returns the handler to MonitorBus, discarding any in-flight
// telegram. Used after a bus resynchronization.
func (h *Handler) Reset() {
	h.state = HSMonitorBus
	h.telegram.Clear()
	h.master.Clear()
	h.slave.Clear()
	h.sendIndex = 0
	h.receiveIndex = 0
	h.slaveIndex = 0
	h.slaveNN = 0
	h.masterRepeated = false
	h.slaveRepeated = false
	h.sendAcknowledge = false
	h.sendSyn = false
}

// Enqueue builds a master telegram from body (ZZ PB SB NN DB...) addressed
// as if sent by this handler, and arms it for arbitration. It fails if the
// handler is already busy or the body does not build a valid master half.
func (h *Handler) Enqueue(body []byte) bool {
	if h.state != HSMonitorBus {
		return false
	}

	h.telegram.Clear()
	h.telegram.CreateMasterFrom(h.address, body)
	if h.telegram.MasterState() != StateOK {
		return false
	}

	raw := append([]byte{}, h.telegram.Master().ToVector()...)
	raw = append(raw, h.telegram.MasterCRC())
	h.master = NewSequenceFrom(raw, false)
	h.master.Extend()

	h.masterRepeated = false
	h.slaveRepeated = false
	h.sendIndex = 0
	h.receiveIndex = 0
	h.state = HSArbitration
	return true
}

// Send performs whatever single-shot write the current state requires, if
// any. It must be polled on every pass of the bus's transmit-ready loop.
func (h *Handler) Send() {
	switch h.state {
	case HSSendMessage:
		if h.sendIndex == h.receiveIndex && h.sendIndex < h.master.Size() && h.busReady() {
			_ = h.uart.WriteByte(h.master.At(h.sendIndex))
			h.sendIndex++
		}
	case HSSendPositiveAcknowledge:
		if h.sendAcknowledge {
			_ = h.uart.WriteByte(SymZero)
			h.sendAcknowledge = false
		}
	case HSSendNegativeAcknowledge:
		if h.sendAcknowledge {
			_ = h.uart.WriteByte(SymNak)
			h.sendAcknowledge = false
		}
	case HSFreeBus:
		if h.sendSyn {
			_ = h.uart.WriteByte(SymSyn)
			h.sendSyn = false
		}
	}
}

// Receive feeds one byte observed on the bus into the active-telegram state
// machine. Call this only while Engaged reports true; route bytes to
// Monitor otherwise.
func (h *Handler) Receive(b byte) {
	switch h.state {
	case HSArbitration:
		if b == h.address {
			h.state = HSSendMessage
			h.sendIndex = 1
			h.receiveIndex = 1
		}

	case HSSendMessage:
		h.receiveIndex++
		if h.receiveIndex >= h.master.Size() {
			if h.telegram.Type() == TypeBC {
				h.finishActive(true)
				h.state = HSFreeBus
				h.sendSyn = true
			} else {
				h.state = HSReceiveAcknowledge
			}
		}

	case HSReceiveAcknowledge:
		switch b {
		case SymZero:
			if h.telegram.Type() == TypeMS {
				h.slave.Clear()
				h.slaveIndex = 0
				h.slaveNN = 0
				h.state = HSReceiveResponse
			} else {
				h.finishActive(true)
				h.state = HSFreeBus
				h.sendSyn = true
			}
		case SymNak:
			if !h.masterRepeated {
				h.masterRepeated = true
				h.sendIndex = 1
				h.receiveIndex = 1
				h.state = HSSendMessage
			} else {
				h.finishActive(false)
				h.state = HSFreeBus
				h.sendSyn = true
			}
		default:
			h.finishActive(false)
			h.state = HSFreeBus
			h.sendSyn = true
		}

	case HSReceiveResponse:
		h.slave.PushBack(b, true)
		h.slaveIndex++
		if h.slaveIndex == 1 {
			h.slaveNN = 1 + int(b) + 1
		} else if b == SymExp {
			h.slaveNN++
		}
		if h.slaveIndex >= h.slaveNN {
			h.telegram.CreateSlave(h.slave)
			if h.telegram.SlaveState() == StateOK {
				h.state = HSSendPositiveAcknowledge
				h.sendAcknowledge = true
			} else {
				h.slave.Clear()
				h.state = HSSendNegativeAcknowledge
				h.sendAcknowledge = true
			}
		}

	case HSSendPositiveAcknowledge:
		h.finishActive(true)
		h.state = HSFreeBus
		h.sendSyn = true

	case HSSendNegativeAcknowledge:
		if !h.slaveRepeated {
			h.slaveRepeated = true
			h.slave.Clear()
			h.slaveIndex = 0
			h.slaveNN = 0
			h.state = HSReceiveResponse
		} else {
			h.finishActive(false)
			h.state = HSFreeBus
			h.sendSyn = true
		}

	case HSFreeBus:
		h.state = HSMonitorBus
	}
}

func (h *Handler) finishActive(ok bool) {
	h.counter.Observe(h.telegram, h.master.Size())

	kind := EventTelegram
	if !ok {
		kind = EventError
	}

	var slaveRaw []byte
	if h.telegram.Type() == TypeMS && h.telegram.SlaveState() == StateOK {
		slaveRaw = append([]byte{}, h.telegram.Slave().ToVector()...)
	}

	h.emit(Event{
		Kind:        kind,
		MessageType: MessageActive,
		Telegram:    h.telegram,
		MasterRaw:   append([]byte{}, h.telegram.Master().ToVector()...),
		SlaveRaw:    slaveRaw,
	})
}

// Monitor feeds one byte observed on the bus into the passive accounting
// path. Call this whenever Engaged reports false: the handler is not
// driving an exchange of its own, but every telegram on a shared bus is
// still visible and worth tallying.
func (h *Handler) Monitor(b byte) {
	if b == SymSyn {
		if h.monitorSeq.Size() == 1 && h.monitorSeq.At(0) == SymZero {
			h.counter.Special00++
		}
		if h.monitorSeq.Size() > 0 {
			h.processMonitored()
		}
		h.monitorSeq.Clear()
		return
	}
	h.monitorSeq.PushBack(b, true)
}

func (h *Handler) processMonitored() {
	raw := append([]byte{}, h.monitorSeq.ToVector()...)
	seq := NewSequenceFrom(raw, true)
	t := ParseTelegram(seq)
	h.counter.Observe(t, len(raw))

	if !t.IsValid() || t.MasterState() != StateOK {
		return
	}

	if t.Type() == TypeMS && t.Master().Size() >= 4 &&
		t.Master().At(2) == 0x07 && t.Master().At(3) == 0x04 {
		if t.SlaveState() == StateOK && t.Slave().Size() > 6 {
			h.counter.Special0704Success++
		} else {
			h.counter.Special0704Failure++
		}
	}

	mtype := MessagePassive
	target := t.TargetAddress()
	if target == h.address || target == SlaveAddress(h.address) {
		mtype = MessageReactive
	}

	var slaveRaw []byte
	if t.Type() == TypeMS && t.SlaveState() == StateOK {
		slaveRaw = append([]byte{}, t.Slave().ToVector()...)
	}

	h.emit(Event{
		Kind:        EventTelegram,
		MessageType: mtype,
		Telegram:    t,
		MasterRaw:   append([]byte{}, t.Master().ToVector()...),
		SlaveRaw:    slaveRaw,
	})
}

// emit posts an event without blocking the bus read loop; a full queue
// drops the event rather than stall telegram processing.
func (h *Handler) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
	}
}
