package ebus

import "math"

// Counter accumulates monotonic message/error/arbitration statistics.
// Field names mirror the wire-visible counters reported to the broker's
// `reset`/status surface, so existing tooling inspecting these fields by
// name keeps working.
type Counter struct {
	Total uint64

	Success        uint64
	SuccessPercent float64

	SuccessMS uint64
	SuccessMM uint64
	SuccessBC uint64

	Failure        uint64
	FailurePercent float64

	FailureMaster map[State]uint64
	FailureSlave  map[State]uint64

	Special00             uint64
	Special0704Success    uint64
	Special0704Failure    uint64

	ArbitrationFirstRound  uint64
	ArbitrationSecondRound uint64
	ArbitrationWon         uint64
	ArbitrationLost        uint64
	ArbitrationError       uint64
	ArbitrationRestart     uint64
	ArbitrationLate        uint64
}

var allStates = []State{
	StateEmpty, StateOK, StateErrShort, StateErrLong, StateErrNN, StateErrCRC,
	StateErrACK, StateErrQQ, StateErrZZ, StateErrACKMiss, StateErrInvalid,
}

// NewCounter returns a Counter with its per-state failure maps pre-populated
// at zero, so callers can always index them without a presence check.
func NewCounter() *Counter {
	c := &Counter{
		FailureMaster: make(map[State]uint64, len(allStates)),
		FailureSlave:  make(map[State]uint64, len(allStates)),
	}
	for _, s := range allStates {
		c.FailureMaster[s] = 0
		c.FailureSlave[s] = 0
	}
	return c
}

// Observe folds the result of a fully-parsed telegram into the counters,
// classifying success/failure and telegram-class totals.
func (c *Counter) Observe(t *Telegram, rawLen int) {
	if rawLen == 0 {
		return
	}
	c.Total++

	if t.IsValid() {
		c.Success++
		switch t.Type() {
		case TypeMS:
			c.SuccessMS++
		case TypeMM:
			c.SuccessMM++
		case TypeBC:
			c.SuccessBC++
		}
	} else {
		c.Failure++
		c.FailureMaster[t.MasterState()]++
		c.FailureSlave[t.SlaveState()]++
	}

	if c.Total > 0 {
		c.SuccessPercent = float64(c.Success) / float64(c.Total) * 100.0
		c.FailurePercent = float64(c.Failure) / float64(c.Total) * 100.0
	}
}

// Reset zeroes every counter without discarding the pre-allocated maps.
func (c *Counter) Reset() {
	c.Total = 0
	c.Success = 0
	c.SuccessPercent = 0
	c.SuccessMS = 0
	c.SuccessMM = 0
	c.SuccessBC = 0
	c.Failure = 0
	c.FailurePercent = 0
	for s := range c.FailureMaster {
		c.FailureMaster[s] = 0
	}
	for s := range c.FailureSlave {
		c.FailureSlave[s] = 0
	}
	c.Special00 = 0
	c.Special0704Success = 0
	c.Special0704Failure = 0
	c.ArbitrationFirstRound = 0
	c.ArbitrationSecondRound = 0
	c.ArbitrationWon = 0
	c.ArbitrationLost = 0
	c.ArbitrationError = 0
	c.ArbitrationRestart = 0
	c.ArbitrationLate = 0
}

// Phase identifies one of the timed phases tracked online by a Timing.
type Phase int

const (
	PhaseISRDelay Phase = iota
	PhaseISRWindow
	PhaseWrite
	PhaseActiveFirst
	PhaseActiveData
	PhasePassiveFirst
	PhasePassiveData
	PhaseSync
	PhaseCallback
	PhaseHandlerState
	phaseCount
)

// Timing holds an online (Welford) running mean/variance estimator per
// tracked phase, so no historical sample buffer is retained.
type Timing struct {
	stats [phaseCount]welford
}

// NewTiming returns a zeroed Timing.
func NewTiming() *Timing { return &Timing{} }

type welford struct {
	count int64
	mean  float64
	m2    float64
	last  float64
}

// Update folds one new sample (in microseconds) into phase p's statistics.
func (t *Timing) Update(p Phase, sample float64) {
	w := &t.stats[p]
	w.last = sample
	w.count++
	delta := sample - w.mean
	w.mean += delta / float64(w.count)
	delta2 := sample - w.mean
	w.m2 += delta * delta2
}

// Snapshot is a read-only view of one phase's accumulated statistics.
type Snapshot struct {
	Last   float64
	Mean   float64
	StdDev float64
	Count  int64
}

// Get returns the current snapshot for phase p.
func (t *Timing) Get(p Phase) Snapshot {
	w := t.stats[p]
	variance := 0.0
	if w.count > 1 {
		variance = w.m2 / float64(w.count-1)
	}
	return Snapshot{
		Last:   w.last,
		Mean:   w.mean,
		StdDev: math.Sqrt(variance),
		Count:  w.count,
	}
}
