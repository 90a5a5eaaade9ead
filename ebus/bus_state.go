package ebus

import "time"

// BusState is the nine-state bus-synchronization tracker. Arbitration may
// only begin from well-defined states reached by this tracker; every byte
// observed on the bus, whether sent by us or by another master, must be fed
// to Data.
type BusState int

const (
	Startup BusState = iota
	StartupFirstSyn
	StartupSymbolAfterFirstSyn
	StartupSecondSyn
	ReceivedFirstSYN
	ReceivedAddressAfterFirstSYN
	ReceivedSecondSYN
	ReceivedAddressAfterSecondSYN
	Busy
)

var busStateNames = [...]string{
	"Startup",
	"StartupFirstSyn",
	"StartupSymbolAfterFirstSyn",
	"StartupSecondSyn",
	"ReceivedFirstSYN",
	"ReceivedAddressAfterFirstSYN",
	"ReceivedSecondSYN",
	"ReceivedAddressAfterSecondSYN",
	"Busy",
}

func (s BusState) String() string {
	if int(s) < len(busStateNames) {
		return busStateNames[s]
	}
	return "BusState(?)"
}

// BusStateTracker tracks bus synchronization and address framing from raw
// received bytes. It has no notion of a master/slave telegram; that is the
// Telegram parser's job. It only tracks enough to let the arbitration engine
// decide when participation is legal.
type BusStateTracker struct {
	state         BusState
	previousState BusState

	master byte
	symbol byte

	synTime     time.Time
	prevSynTime time.Time

	now func() time.Time
}

// NewBusStateTracker returns a tracker in Startup state.
func NewBusStateTracker() *BusStateTracker {
	return &BusStateTracker{
		state:         Startup,
		previousState: Startup,
		now:           time.Now,
	}
}

// State returns the current bus state.
func (b *BusStateTracker) State() BusState { return b.state }

// PreviousState returns the state before the last Data call.
func (b *BusStateTracker) PreviousState() BusState { return b.previousState }

// Master returns the last byte recorded as a candidate master address.
func (b *BusStateTracker) Master() byte { return b.master }

// Symbol returns the last byte recorded as the first symbol after a
// winning master address.
func (b *BusStateTracker) Symbol() byte { return b.symbol }

// Reset returns the tracker to Startup, used after a loss of synchronization.
func (b *BusStateTracker) Reset() {
	b.state = Startup
}

// Data feeds one received byte through the state machine.
func (b *BusStateTracker) Data(symbol byte) {
	b.previousState = b.state

	switch b.state {
	case Startup:
		if symbol == SymSyn {
			b.state = b.syn(StartupFirstSyn)
		} else {
			b.state = Startup
		}
	case StartupFirstSyn:
		if symbol == SymSyn {
			b.state = b.syn(ReceivedFirstSYN)
		} else {
			b.state = StartupSymbolAfterFirstSyn
		}
	case StartupSymbolAfterFirstSyn:
		if symbol == SymSyn {
			b.state = b.syn(StartupSecondSyn)
		} else {
			b.state = Busy
		}
	case StartupSecondSyn:
		if symbol == SymSyn {
			b.state = b.syn(ReceivedFirstSYN)
		} else {
			b.state = Busy
		}
	case ReceivedFirstSYN:
		if symbol == SymSyn {
			b.state = b.syn(ReceivedFirstSYN)
		} else {
			b.state = ReceivedAddressAfterFirstSYN
		}
		b.master = symbol
	case ReceivedAddressAfterFirstSYN:
		if symbol == SymSyn {
			b.state = b.syn(ReceivedSecondSYN)
		} else {
			b.state = Busy
		}
		b.symbol = symbol
	case ReceivedSecondSYN:
		if symbol == SymSyn {
			b.state = b.errorRestart(ReceivedFirstSYN)
		} else {
			b.state = ReceivedAddressAfterSecondSYN
		}
		b.master = symbol
	case ReceivedAddressAfterSecondSYN:
		if symbol == SymSyn {
			b.state = b.errorRestart(ReceivedFirstSYN)
		} else {
			b.state = Busy
		}
		b.symbol = symbol
	case Busy:
		if symbol == SymSyn {
			b.state = b.syn(ReceivedFirstSYN)
		} else {
			b.state = Busy
		}
	}
}

func (b *BusStateTracker) syn(newState BusState) BusState {
	b.prevSynTime = b.synTime
	b.synTime = b.now()
	return newState
}

func (b *BusStateTracker) errorRestart(newState BusState) BusState {
	b.prevSynTime = b.synTime
	b.synTime = b.now()
	return newState
}

// MicrosSinceLastSyn returns the microseconds elapsed since the last SYN
// timestamp was recorded.
func (b *BusStateTracker) MicrosSinceLastSyn() int64 {
	return b.now().Sub(b.synTime).Microseconds()
}

// MicrosSincePreviousSyn returns the microseconds elapsed since the
// second-to-last SYN timestamp.
func (b *BusStateTracker) MicrosSincePreviousSyn() int64 {
	return b.now().Sub(b.prevSynTime).Microseconds()
}
