package ebus

// ArbitrationResult is the outcome reported after feeding a received byte to
// an in-progress arbitration attempt.
type ArbitrationResult int

const (
	ArbNone ArbitrationResult = iota
	ArbArbitrating
	ArbWon
	ArbLost
	ArbError
)

func (r ArbitrationResult) String() string {
	switch r {
	case ArbArbitrating:
		return "arbitrating"
	case ArbWon:
		return "won"
	case ArbLost:
		return "lost"
	case ArbError:
		return "error"
	default:
		return "none"
	}
}

// TLateMicros is the post-SYN window within which arbitration participation
// must be committed: the nominal 4456us SYN-to-permission distance, less the
// ~20us needed to get our symbol onto the wire, less the already-elapsed
// inter-byte gap (4160us).
const TLateMicros = (4456 - 20) - 4160

// UARTWriter is the minimal write-side of the UART collaborator the
// arbitration engine drives directly; it must not block.
type UARTWriter interface {
	WriteByte(b byte) error
}

// Arbitration implements the two-round priority contest used to win a slot
// on the shared half-duplex bus immediately following a SYN.
type Arbitration struct {
	arbitrating        bool
	participateSecond  bool
	arbitrationAddress byte

	uart UARTWriter
}

// NewArbitration returns an Arbitration engine writing winning addresses to
// uart.
func NewArbitration(uart UARTWriter) *Arbitration {
	return &Arbitration{uart: uart}
}

// Start attempts to begin arbitration for master address `master` given the
// bus tracker's current state. It returns false (and does not write
// anything) when arbitration is already in progress, when called with the
// SYN symbol itself, when the bus is not in ReceivedFirstSYN, or when the
// post-SYN window has already elapsed.
func (a *Arbitration) Start(tracker *BusStateTracker, master byte) bool {
	if a.arbitrating {
		return false
	}
	if master == SymSyn {
		return false
	}
	if tracker.State() != ReceivedFirstSYN {
		return false
	}

	now := tracker.MicrosSinceLastSyn()
	if now > TLateMicros {
		return false
	}

	if err := a.uart.WriteByte(master); err != nil {
		return false
	}

	a.arbitrationAddress = master
	a.arbitrating = true
	a.participateSecond = false
	return true
}

// Data feeds one received byte into an in-progress arbitration attempt.
func (a *Arbitration) Data(tracker *BusStateTracker, symbol byte) ArbitrationResult {
	if !a.arbitrating {
		return ArbNone
	}

	switch tracker.State() {
	case Startup, StartupFirstSyn, StartupSymbolAfterFirstSyn, StartupSecondSyn, ReceivedFirstSYN:
		a.arbitrating = false
		return ArbError

	case ReceivedAddressAfterFirstSYN:
		if symbol == a.arbitrationAddress {
			a.arbitrating = false
			return ArbWon
		}
		if symbol&0x0F == a.arbitrationAddress&0x0F {
			a.participateSecond = true
		}
		return ArbArbitrating

	case ReceivedSecondSYN:
		if a.participateSecond {
			_ = a.uart.WriteByte(a.arbitrationAddress)
		}
		return ArbArbitrating

	case ReceivedAddressAfterSecondSYN:
		if symbol == a.arbitrationAddress {
			a.arbitrating = false
			return ArbWon
		}
		return ArbArbitrating

	case Busy:
		a.arbitrating = false
		return ArbLost
	}

	return ArbArbitrating
}

// Arbitrating reports whether an attempt is currently in progress.
func (a *Arbitration) Arbitrating() bool { return a.arbitrating }

// ParticipatingSecondRound reports whether the in-progress attempt marked
// itself for second-round participation (its address shared the first
// round's winning priority nibble).
func (a *Arbitration) ParticipatingSecondRound() bool { return a.participateSecond }

// Restart forcibly cancels an in-progress attempt, used when the bus tracker
// detects a loss of synchronization mid-arbitration.
func (a *Arbitration) Restart() {
	a.arbitrating = false
	a.participateSecond = false
}
