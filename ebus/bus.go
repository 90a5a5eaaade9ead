package ebus

import "time"

// Bus is the bus task's per-byte glue: it feeds every received byte through
// the bus-state tracker, decides when the arbitration engine may contest a
// slot on behalf of a handler with something enqueued, and otherwise routes
// bytes to the handler's active-telegram or passive-monitoring path. This is
// the only place the three FSMs (tracker, arbitration, handler) are driven
// together; nothing else in this package assumes a particular wiring order
// between them.
type Bus struct {
	tracker *BusStateTracker
	arb     *Arbitration
	handler *Handler
	timing  *Timing
}

// NewBus returns a Bus driving handler's arbitration attempts through uart.
// timing may be nil if phase statistics are not wanted.
func NewBus(handler *Handler, uart UARTWriter, timing *Timing) *Bus {
	return &Bus{
		tracker: NewBusStateTracker(),
		arb:     NewArbitration(uart),
		handler: handler,
		timing:  timing,
	}
}

// Tracker returns the underlying bus-state tracker, mainly for metrics and
// tests.
func (b *Bus) Tracker() *BusStateTracker { return b.tracker }

// Arbitrating reports whether an arbitration attempt is currently contesting
// a bus slot.
func (b *Bus) Arbitrating() bool { return b.arb.Arbitrating() }

// Feed processes one byte observed on the bus at timestamp at (microsecond
// resolution expected from the UART collaborator). It must be called for
// every byte, in arrival order, whether the byte originated from this node
// or another bus member.
func (b *Bus) Feed(sym byte, at time.Time) {
	prevState := b.tracker.State()
	b.tracker.Data(sym)
	newState := b.tracker.State()

	if b.timing != nil && newState == ReceivedFirstSYN {
		b.timing.Update(PhaseSync, float64(b.tracker.MicrosSincePreviousSyn()))
		b.timing.Update(PhaseISRDelay, float64(time.Since(at).Microseconds()))
	}

	// A double-SYN observed in ReceivedSecondSYN/ReceivedAddressAfterSecondSYN
	// means synchronization was lost mid contest; any in-progress arbitration
	// attempt is abandoned and reported as lost so the scheduler resubmits
	// the job under its bus-attempt budget.
	restarted := sym == SymSyn && newState == ReceivedFirstSYN &&
		(prevState == ReceivedSecondSYN || prevState == ReceivedAddressAfterSecondSYN)
	if restarted && b.arb.Arbitrating() {
		b.arb.Restart()
		b.handler.counter.ArbitrationRestart++
		b.handler.Reset()
		b.handler.emit(Event{Kind: EventLost})
	}

	switch {
	case b.handler.Engaged() && b.handler.State() == HSArbitration:
		b.feedArbitration(newState, sym)
	case b.handler.Engaged():
		b.handler.Receive(sym)
	default:
		b.handler.Monitor(sym)
	}

	b.handler.Send()
}

func (b *Bus) feedArbitration(state BusState, sym byte) {
	if !b.arb.Arbitrating() {
		if state != ReceivedFirstSYN {
			return
		}
		if b.tracker.MicrosSinceLastSyn() > TLateMicros {
			b.handler.counter.ArbitrationLate++
			return
		}
		if b.arb.Start(b.tracker, b.handler.Address()) {
			b.handler.counter.ArbitrationFirstRound++
		}
		return
	}

	result := b.arb.Data(b.tracker, sym)
	if state == ReceivedSecondSYN && b.arb.ParticipatingSecondRound() {
		b.handler.counter.ArbitrationSecondRound++
	}

	switch result {
	case ArbWon:
		b.handler.counter.ArbitrationWon++
		b.handler.Receive(sym)
		b.handler.emit(Event{Kind: EventWon})
	case ArbLost:
		b.handler.counter.ArbitrationLost++
		b.handler.Reset()
		b.handler.emit(Event{Kind: EventLost})
	case ArbError:
		b.handler.counter.ArbitrationError++
		b.handler.Reset()
		b.handler.emit(Event{Kind: EventLost})
	}
}
