package scheduler

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebusgw/ebusd/ebus"
	"github.com/ebusgw/ebusd/internal/logger"
)

// noopUART discards every byte written to it; the scheduler tests below
// never drive real arbitration, so the handler's UART collaborator only
// needs to satisfy the interface.
type noopUART struct{}

func (noopUART) WriteByte(byte) error { return nil }

func newTestScheduler(t *testing.T) (*Scheduler, *fakeStore, *fakeDevices, *fakePublisher) {
	t.Helper()
	h := ebus.NewHandler(0x10, noopUART{}, func() bool { return true })
	st := &fakeStore{}
	devs := &fakeDevices{}
	pub := &fakePublisher{}
	s := New(h, st, devs, pub, 0x10, Config{
		ActiveCommandTimeout:   time.Second,
		DistanceScans:          time.Minute,
		DistanceFullScans:      500 * time.Millisecond,
		MaxStartupScans:        5,
		FirstCommandAfterStart: 0,
	}, logger.With())
	return s, st, devs, pub
}

type fakeStore struct {
	active      bool
	nextHandle  any
	nextReadCmd []byte
	nextOK      bool
	updates     [][3]any
}

func (f *fakeStore) Active() bool { return f.active }
func (f *fakeStore) NextActiveCommand() (any, []byte, bool) {
	return f.nextHandle, f.nextReadCmd, f.nextOK
}
func (f *fakeStore) UpdateData(handle any, master, slave []byte) []any {
	f.updates = append(f.updates, [3]any{handle, master, slave})
	if handle != nil {
		return []any{handle}
	}
	return nil
}

type fakeDevices struct {
	scanCommands map[byte][]byte
	vendorCmds   [][]byte
	updated      [][2][]byte
}

func (f *fakeDevices) ScanCommand(slave byte) []byte {
	if f.scanCommands == nil {
		return []byte{slave, 0x07, 0x04, 0x00}
	}
	return f.scanCommands[slave]
}
func (f *fakeDevices) ScanCommandsVendor() [][]byte { return f.vendorCmds }
func (f *fakeDevices) Update(master, slave []byte) {
	f.updated = append(f.updated, [2][]byte{master, slave})
}

type fakePublisher struct {
	values []any
	data   []struct {
		kind          string
		master, slave []byte
	}
}

func (f *fakePublisher) PublishValue(handle any) { f.values = append(f.values, handle) }
func (f *fakePublisher) PublishData(kind string, master, slave []byte) {
	f.data = append(f.data, struct {
		kind          string
		master, slave []byte
	}{kind, master, slave})
}

// S6 — with the queue containing one schedule and one internal job, the
// next pop yields the internal job; a second schedule job is a no-op.
func TestSchedulerPriorityOrdering(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestScheduler(t)

	s.enqueue(QueuedCommand{Mode: ModeSchedule, Priority: PrioSchedule, Command: []byte{0x01}})
	s.enqueue(QueuedCommand{Mode: ModeInternal, Priority: PrioInternal, Command: []byte{0x02}})
	s.enqueue(QueuedCommand{Mode: ModeSchedule, Priority: PrioSchedule, Command: []byte{0x03}})

	require.Equal(t, 2, s.QueueDepth(), "second schedule job must be a dedup no-op")

	popped := s.popNextForTest()
	require.NotNil(t, popped)
	assert.Equal(t, ModeInternal, popped.Mode, "internal outranks schedule")

	popped = s.popNextForTest()
	require.NotNil(t, popped)
	assert.Equal(t, ModeSchedule, popped.Mode)
	assert.Equal(t, []byte{0x01}, popped.Command, "first schedule job wins the dedup, not the second")

	assert.Equal(t, 0, s.QueueDepth())
}

// A send job (priority 4) must still be popped ahead of a scan job
// (priority 2) and behind an internal job (priority 5), matching the
// fixed ordering in §3.
func TestSchedulerPriorityOrderingAcrossAllModes(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestScheduler(t)

	s.enqueue(QueuedCommand{Mode: ModeFullscan, Priority: PrioFullscan, Command: []byte{0x01}})
	s.enqueue(QueuedCommand{Mode: ModeScan, Priority: PrioScan, Command: []byte{0x02}})
	s.enqueue(QueuedCommand{Mode: ModeSchedule, Priority: PrioSchedule, Command: []byte{0x03}})
	s.enqueue(QueuedCommand{Mode: ModeSend, Priority: PrioSend, Command: []byte{0x04}})
	s.enqueue(QueuedCommand{Mode: ModeInternal, Priority: PrioInternal, Command: []byte{0x05}})

	var order []Mode
	for i := 0; i < 5; i++ {
		order = append(order, s.popNextForTest().Mode)
	}
	assert.Equal(t, []Mode{ModeInternal, ModeSend, ModeSchedule, ModeScan, ModeFullscan}, order)
}

// Only one fullscan job may be queued at once, mirroring the schedule
// dedup rule.
func TestSchedulerFullscanDedup(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestScheduler(t)

	s.enqueue(QueuedCommand{Mode: ModeFullscan, Priority: PrioFullscan, Command: []byte{0x01}})
	s.enqueue(QueuedCommand{Mode: ModeFullscan, Priority: PrioFullscan, Command: []byte{0x02}})

	assert.Equal(t, 1, s.QueueDepth())
}

// popNextForTest exposes the heap pop used internally by tick, without
// requiring a running Run loop or a real bus.
func (s *Scheduler) popNextForTest() *QueuedCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return nil
	}
	next := heap.Pop(&s.queue).(QueuedCommand)
	return &next
}

// Retry bound: arbitration loss resubmits the active job up to 3 bus
// attempts before it is dropped and counted.
func TestSchedulerBusRequestLostRetryBound(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestScheduler(t)

	queued := QueuedCommand{Mode: ModeSchedule, Priority: PrioSchedule, Command: []byte{0xAA}}
	s.activeCommand = &ActiveCommand{Queued: queued, BusAttempts: 1, SendAttempts: 1, SetTime: time.Now()}

	// First two losses resubmit at internal priority and bump BusAttempts.
	s.onBusRequestLost()
	require.NotNil(t, s.activeCommand)
	assert.Equal(t, 2, s.activeCommand.BusAttempts)
	assert.Equal(t, uint64(0), s.busRequestFailed)

	// Re-arm the active command the way tick() would once the resubmitted
	// job is popped back off the queue.
	popped := s.popNextForTest()
	require.NotNil(t, popped)
	assert.Equal(t, PrioInternal, popped.Priority)
	s.activeCommand = &ActiveCommand{Queued: *popped, BusAttempts: 2, SendAttempts: 1, SetTime: time.Now()}

	s.onBusRequestLost()
	require.NotNil(t, s.activeCommand)
	assert.Equal(t, 3, s.activeCommand.BusAttempts)

	popped = s.popNextForTest()
	require.NotNil(t, popped)
	s.activeCommand = &ActiveCommand{Queued: *popped, BusAttempts: 3, SendAttempts: 1, SetTime: time.Now()}

	// Third loss exhausts the budget: the job is dropped and counted,
	// nothing is resubmitted.
	s.onBusRequestLost()
	assert.Nil(t, s.activeCommand)
	assert.Equal(t, uint64(1), s.busRequestFailed)
	assert.Equal(t, 0, s.QueueDepth())
}

// Send-error retry bound behaves the same way but counts sendingFailed and
// never retries a fullscan job at all.
func TestSchedulerSendErrorRetryBound(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestScheduler(t)

	queued := QueuedCommand{Mode: ModeScan, Priority: PrioScan, Command: []byte{0xAA}}
	s.activeCommand = &ActiveCommand{Queued: queued, BusAttempts: 1, SendAttempts: 3, SetTime: time.Now()}

	s.onSendError(ebus.Event{})
	assert.Nil(t, s.activeCommand, "third send error drops the job")
	assert.Equal(t, uint64(1), s.sendingFailed)
}

func TestSchedulerSendErrorNeverRetriesFullscan(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestScheduler(t)

	queued := QueuedCommand{Mode: ModeFullscan, Priority: PrioFullscan, Command: []byte{0xAA}}
	s.activeCommand = &ActiveCommand{Queued: queued, BusAttempts: 1, SendAttempts: 1, SetTime: time.Now()}

	s.onSendError(ebus.Event{})
	assert.Nil(t, s.activeCommand, "fullscan jobs never retry on send error")
	assert.Equal(t, uint64(1), s.sendingFailed)
	assert.Equal(t, 0, s.QueueDepth())
}

// Active-mode telegrams still fall through to passive matching (the
// documented "double processing" open question), updating the device
// registry via processScan when the observed master addresses a slave.
func TestSchedulerActiveTelegramFallsThroughToPassive(t *testing.T) {
	t.Parallel()

	s, _, devs, pub := newTestScheduler(t)
	s.mode = ModeSchedule
	s.activeCommand = &ActiveCommand{
		Queued:  QueuedCommand{Mode: ModeSchedule, Handle: "handle-1"},
		SetTime: time.Now(),
	}

	master := []byte{0x10, 0x15, 0x07, 0x04, 0x00}
	slave := []byte{0x02, 0x01, 0x02}
	s.onTelegram(ebus.Event{
		Kind:        ebus.EventTelegram,
		MessageType: ebus.MessageActive,
		MasterRaw:   master,
		SlaveRaw:    slave,
	})

	require.Len(t, pub.values, 1, "the active schedule result is published once")
	assert.Equal(t, "handle-1", pub.values[0])
	require.Len(t, devs.updated, 1, "processPassive still runs after the active branch")
	assert.Equal(t, master, devs.updated[0][0])
}

// An inquiry-of-existence observed passively enqueues a broadcast
// sign-of-life at internal priority.
func TestSchedulerInquiryOfExistenceTriggersSignOfLife(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestScheduler(t)

	s.onTelegram(ebus.Event{
		Kind:        ebus.EventTelegram,
		MessageType: ebus.MessagePassive,
		MasterRaw:   []byte{0x33, 0xFE, 0x07, 0xFE, 0x00},
	})

	require.Equal(t, 1, s.QueueDepth())
	popped := s.popNextForTest()
	assert.Equal(t, ModeInternal, popped.Mode)
	assert.Equal(t, bodyBroadcastSignOfLife, popped.Command)
}
