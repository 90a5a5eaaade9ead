// Package scheduler turns the protocol core's raw Won/Lost/telegram events
// into a prioritized command queue: scheduled reads, manual sends, device
// scans and full-bus scans all compete for the single active send slot, and
// completed exchanges are routed back to the command store and the broker.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ebusgw/ebusd/ebus"
	"github.com/ebusgw/ebusd/internal/logger"
)

// Mode classifies why a command was enqueued, controlling how its result is
// routed once the exchange completes.
type Mode int

const (
	ModeSchedule Mode = iota
	ModeInternal
	ModeScan
	ModeFullscan
	ModeSend
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeSchedule:
		return "schedule"
	case ModeInternal:
		return "internal"
	case ModeScan:
		return "scan"
	case ModeFullscan:
		return "fullscan"
	case ModeSend:
		return "send"
	case ModeWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Priority levels, highest wins. Mirrors the fixed ordering internal actions
// > manual sends > scheduled reads > manual scans > background full scans.
const (
	PrioInternal uint8 = 5
	PrioSend     uint8 = 4
	PrioSchedule uint8 = 3
	PrioScan     uint8 = 2
	PrioFullscan uint8 = 1
)

// Inquiry-of-existence / sign-of-life bodies (ZZ PB SB NN...), used to
// discover and announce devices without a dedicated command definition.
var (
	bodyInquiryOfExistence       = []byte{0x07, 0xFE, 0x00}
	bodyBroadcastInquiry         = []byte{0xFE, 0x07, 0xFE, 0x00}
	bodyBroadcastSignOfLife      = []byte{0xFE, 0x07, 0xFF, 0x00}
)

// QueuedCommand is one entry in the priority queue.
type QueuedCommand struct {
	Mode     Mode
	Priority uint8
	Command  []byte
	Handle   any // opaque command-store handle, nil for ad hoc commands
}

// ActiveCommand is the single in-flight command the scheduler is waiting on
// a result for.
type ActiveCommand struct {
	Queued       QueuedCommand
	BusAttempts  int
	SendAttempts int
	SetTime      time.Time
}

// CommandStore is the subset of the command store the scheduler drives.
// Implemented by internal/store.Store.
type CommandStore interface {
	Active() bool
	NextActiveCommand() (handle any, readCmd []byte, ok bool)
	UpdateData(handle any, master, slave []byte) []any
}

// DeviceRegistry is the subset of device discovery the scheduler drives.
// Implemented by internal/devices.Registry.
type DeviceRegistry interface {
	ScanCommand(slave byte) []byte
	ScanCommandsVendor() [][]byte
	Update(master, slave []byte)
}

// Publisher forwards completed exchanges to whatever external sink (broker,
// admin surface) cares about them.
type Publisher interface {
	PublishValue(handle any)
	PublishData(kind string, master, slave []byte)
}

// Config holds the scheduler's timing knobs (see internal/config).
type Config struct {
	ActiveCommandTimeout   time.Duration
	DistanceScans          time.Duration
	DistanceFullScans      time.Duration
	MaxStartupScans        int
	FirstCommandAfterStart time.Duration
}

type commandHeap []QueuedCommand

func (h commandHeap) Len() int            { return len(h) }
func (h commandHeap) Less(i, j int) bool  { return h[i].Priority > h[j].Priority }
func (h commandHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *commandHeap) Push(x any)         { *h = append(*h, x.(QueuedCommand)) }
func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler owns the command queue and drains the handler's event channel,
// feeding scheduled reads, manual commands and scans onto the bus one at a
// time and routing results to the store, device registry and publisher.
type Scheduler struct {
	handler   *ebus.Handler
	store     CommandStore
	devices   DeviceRegistry
	publisher Publisher
	address   byte
	cfg       Config
	log       *slog.Logger

	mu    sync.Mutex
	queue commandHeap

	activeCommand *ActiveCommand
	mode          Mode

	seenMasters map[byte]uint32
	seenSlaves  map[byte]uint32

	busRequestFailed uint64
	sendingFailed    uint64

	forward        bool
	forwardFilters [][]byte

	sendInquiryOfExistence bool
	scanOnStartup          bool
	currentScan            int
	lastScan               time.Time

	fullScan   bool
	scanIndex  int
	lastFullScan time.Time

	start time.Time
}

// New returns a Scheduler. address is this node's own master address: scans
// skip it, and telegrams addressed to it are not fed to device discovery.
// Its slave address (address+5) is not excluded from scans.
func New(handler *ebus.Handler, store CommandStore, devices DeviceRegistry, publisher Publisher, address byte, cfg Config, log *slog.Logger) *Scheduler {
	s := &Scheduler{
		handler:     handler,
		store:       store,
		devices:     devices,
		publisher:   publisher,
		address:     address,
		cfg:         cfg,
		log:         log,
		seenMasters: make(map[byte]uint32),
		seenSlaves:  make(map[byte]uint32),
	}
	heap.Init(&s.queue)
	return s
}

// EnableInquiryOfExistence enqueues a broadcast inquiry at Run startup so
// other masters announce themselves.
func (s *Scheduler) EnableInquiryOfExistence(enable bool) { s.sendInquiryOfExistence = enable }

// EnableStartupScan enables the periodic passive-address scan performed
// during the first few minutes after startup.
func (s *Scheduler) EnableStartupScan(enable bool) { s.scanOnStartup = enable }

// Run drains events and drives the command queue until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.start = time.Now()
	if s.sendInquiryOfExistence {
		s.enqueue(QueuedCommand{Mode: ModeInternal, Priority: PrioInternal, Command: bodyBroadcastInquiry})
	}

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.handler.Events():
			if !ok {
				return nil
			}
			s.handleEvent(ev)
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

func (s *Scheduler) handleEvent(ev ebus.Event) {
	switch ev.Kind {
	case ebus.EventWon:
		if s.activeCommand != nil {
			s.activeCommand.SendAttempts = 1
		}
	case ebus.EventLost:
		s.onBusRequestLost()
	case ebus.EventTelegram:
		s.onTelegram(ev)
	case ebus.EventError:
		s.onSendError(ev)
	}
}

func (s *Scheduler) onBusRequestLost() {
	if s.activeCommand == nil {
		return
	}
	if s.activeCommand.BusAttempts < 3 {
		s.activeCommand.BusAttempts++
		s.activeCommand.Queued.Priority = PrioInternal
		s.enqueue(s.activeCommand.Queued)
		s.log.Info("bus request retry")
		return
	}
	s.busRequestFailed++
	s.activeCommand = nil
	s.log.Warn("bus request failed")
}

func (s *Scheduler) onSendError(ev ebus.Event) {
	if ev.Err != nil {
		s.log.Warn("send error", logger.Err(ev.Err))
	}
	if s.activeCommand == nil {
		return
	}
	if s.activeCommand.Queued.Mode != ModeFullscan && s.activeCommand.SendAttempts < 3 {
		s.activeCommand.SendAttempts++
		s.activeCommand.Queued.Priority = PrioInternal
		s.enqueue(s.activeCommand.Queued)
		s.log.Info("send retry")
		return
	}
	s.sendingFailed++
	s.activeCommand = nil
	s.log.Warn("send failed")
}

func (s *Scheduler) onTelegram(ev ebus.Event) {
	if len(ev.MasterRaw) > 0 {
		s.seenMasters[ev.MasterRaw[0]]++
		if len(ev.MasterRaw) > 1 && ebus.IsSlave(ev.MasterRaw[1]) {
			s.seenSlaves[ev.MasterRaw[1]]++
		}
	}

	switch ev.MessageType {
	case ebus.MessageActive:
		s.processActive(s.mode, ev.MasterRaw, ev.SlaveRaw)
		fallthrough
	case ebus.MessagePassive, ebus.MessageReactive:
		s.processPassive(ev.MasterRaw, ev.SlaveRaw)
	}
}

func (s *Scheduler) processActive(mode Mode, master, slave []byte) {
	switch mode {
	case ModeSchedule:
		if s.activeCommand != nil && s.activeCommand.Queued.Mode == ModeSchedule && s.activeCommand.Queued.Handle != nil {
			s.store.UpdateData(s.activeCommand.Queued.Handle, master, slave)
			s.publisher.PublishValue(s.activeCommand.Queued.Handle)
			s.activeCommand = nil
		}
	case ModeInternal:
		if s.activeCommand != nil && s.activeCommand.Queued.Mode == ModeInternal {
			s.activeCommand = nil
		}
	case ModeScan, ModeFullscan:
		s.processScan(master, slave)
		if s.activeCommand != nil && (s.activeCommand.Queued.Mode == ModeScan || s.activeCommand.Queued.Mode == ModeFullscan) {
			s.activeCommand = nil
		}
	case ModeSend:
		s.publisher.PublishData("send", master, slave)
		if s.activeCommand != nil && s.activeCommand.Queued.Mode == ModeSend {
			s.activeCommand = nil
		}
	case ModeWrite:
		s.publisher.PublishData("write", master, slave)
		if s.activeCommand != nil && s.activeCommand.Queued.Mode == ModeWrite {
			s.activeCommand = nil
		}
	}
}

func (s *Scheduler) processPassive(master, slave []byte) {
	if s.forward {
		matched := len(s.forwardFilters) == 0
		for _, f := range s.forwardFilters {
			if ebus.Contains(master, f) {
				matched = true
				break
			}
		}
		if matched {
			s.publisher.PublishData("forward", master, slave)
		}
	}

	for _, handle := range s.store.UpdateData(nil, master, slave) {
		s.publisher.PublishValue(handle)
	}

	s.processScan(master, slave)

	if len(master) >= 4 && ebus.Contains(master, []byte{0x07, 0xFE, 0x00}, 2) {
		s.enqueue(QueuedCommand{Mode: ModeInternal, Priority: PrioInternal, Command: bodyBroadcastSignOfLife})
	}
}

func (s *Scheduler) processScan(master, slave []byte) {
	if len(master) < 2 {
		return
	}
	if master[1] == s.address {
		return
	}
	if ebus.IsSlave(master[1]) {
		s.devices.Update(master, slave)
	}
}

func (s *Scheduler) tick(now time.Time) {
	if s.activeCommand != nil && !s.activeCommand.SetTime.IsZero() &&
		now.Sub(s.activeCommand.SetTime) >= s.cfg.ActiveCommandTimeout {
		s.activeCommand = nil
	}

	if s.store.Active() {
		s.enqueueScheduleCommand()
	}
	if s.scanOnStartup {
		s.enqueueStartupScanCommands(now)
	}
	if s.fullScan {
		s.enqueueFullScanCommand(now)
	}

	if s.handler.Engaged() || s.activeCommand != nil || now.Sub(s.start) < s.cfg.FirstCommandAfterStart {
		return
	}

	s.mu.Lock()
	if s.queue.Len() == 0 {
		s.mu.Unlock()
		return
	}
	next := heap.Pop(&s.queue).(QueuedCommand)
	s.mu.Unlock()

	s.mode = next.Mode
	s.activeCommand = &ActiveCommand{Queued: next, BusAttempts: 1, SendAttempts: 1, SetTime: now}

	if len(next.Command) > 0 {
		if !s.handler.Enqueue(next.Command) {
			s.log.Debug("enqueue failed", slog.String("command", ebus.ToHex(next.Command)))
		}
	}
}

func (s *Scheduler) enqueue(cmd QueuedCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.Mode == ModeSchedule {
		for _, q := range s.queue {
			if q.Mode == ModeSchedule {
				return
			}
		}
	}
	if cmd.Mode == ModeFullscan {
		for _, q := range s.queue {
			if q.Mode == ModeFullscan {
				return
			}
		}
	}
	heap.Push(&s.queue, cmd)
}

func (s *Scheduler) enqueueScheduleCommand() {
	handle, readCmd, ok := s.store.NextActiveCommand()
	if !ok || len(readCmd) == 0 {
		return
	}
	if s.activeCommand != nil && s.activeCommand.Queued.Mode == ModeSchedule && s.activeCommand.Queued.Handle == handle {
		return
	}
	s.enqueue(QueuedCommand{Mode: ModeSchedule, Priority: PrioSchedule, Command: readCmd, Handle: handle})
}

func (s *Scheduler) enqueueStartupScanCommands(now time.Time) {
	if s.currentScan >= s.cfg.MaxStartupScans {
		return
	}
	if now.Sub(s.lastScan) <= s.cfg.DistanceScans {
		return
	}
	s.currentScan++
	s.lastScan = now
	s.cfg.DistanceScans = 3 * time.Minute
	s.HandleScan()
	s.HandleScanVendor()
}

func (s *Scheduler) enqueueFullScanCommand(now time.Time) {
	if now.Sub(s.lastFullScan) <= s.cfg.DistanceFullScans {
		return
	}
	s.lastFullScan = now
	for s.scanIndex < 0xFF {
		s.scanIndex++
		addr := byte(s.scanIndex)
		if ebus.IsSlave(addr) && addr != s.address {
			s.enqueue(QueuedCommand{Mode: ModeFullscan, Priority: PrioFullscan, Command: s.devices.ScanCommand(addr)})
			return
		}
	}
	s.fullScan = false
	s.scanIndex = 0
}

// HandleScanFull starts (or restarts) a full bus scan of all 0..0xFF slave
// addresses.
func (s *Scheduler) HandleScanFull() {
	s.fullScan = true
	s.scanIndex = 0
}

// HandleScan enqueues a targeted scan of every slave address already seen as
// a master or slave on the bus.
func (s *Scheduler) HandleScan() {
	slaves := map[byte]struct{}{}
	for master := range s.seenMasters {
		if master != s.address {
			slaves[ebus.SlaveAddress(master)] = struct{}{}
		}
	}
	for slave := range s.seenSlaves {
		if slave != s.address {
			slaves[slave] = struct{}{}
		}
	}
	for slave := range slaves {
		s.enqueue(QueuedCommand{Mode: ModeScan, Priority: PrioScan, Command: s.devices.ScanCommand(slave)})
	}
}

// HandleScanAddresses enqueues a targeted scan of exactly the given slave
// addresses.
func (s *Scheduler) HandleScanAddresses(addresses []byte) {
	seen := map[byte]struct{}{}
	for _, addr := range addresses {
		if ebus.IsSlave(addr) && addr != s.address {
			seen[addr] = struct{}{}
		}
	}
	for slave := range seen {
		s.enqueue(QueuedCommand{Mode: ModeScan, Priority: PrioScan, Command: s.devices.ScanCommand(slave)})
	}
}

// HandleScanVendor enqueues each known device's vendor-specific extended
// identification probes.
func (s *Scheduler) HandleScanVendor() {
	for _, cmd := range s.devices.ScanCommandsVendor() {
		s.enqueue(QueuedCommand{Mode: ModeScan, Priority: PrioScan, Command: cmd})
	}
}

// HandleSend enqueues an ad hoc command for immediate transmission.
func (s *Scheduler) HandleSend(command []byte) {
	s.enqueue(QueuedCommand{Mode: ModeSend, Priority: PrioSend, Command: command})
}

// HandleWrite enqueues an ad hoc write command.
func (s *Scheduler) HandleWrite(command []byte) {
	s.enqueue(QueuedCommand{Mode: ModeWrite, Priority: PrioSend, Command: command})
}

// ToggleForward enables or disables raw passive-telegram forwarding.
func (s *Scheduler) ToggleForward(enable bool) { s.forward = enable }

// SetForwardFilter restricts forwarding to telegrams whose master body
// contains at least one of filters; an empty filter set forwards everything.
func (s *Scheduler) SetForwardFilter(filters [][]byte) { s.forwardFilters = filters }

// ResetCounter clears the scheduler's own address/failure bookkeeping
// (handler and store counters are reset independently by their owners).
func (s *Scheduler) ResetCounter() {
	s.seenMasters = make(map[byte]uint32)
	s.seenSlaves = make(map[byte]uint32)
	s.busRequestFailed = 0
	s.sendingFailed = 0
}

// SeenAddresses returns a copy of the observed master/slave address tallies.
func (s *Scheduler) SeenAddresses() (masters, slaves map[byte]uint32) {
	masters = make(map[byte]uint32, len(s.seenMasters))
	for k, v := range s.seenMasters {
		masters[k] = v
	}
	slaves = make(map[byte]uint32, len(s.seenSlaves))
	for k, v := range s.seenSlaves {
		slaves[k] = v
	}
	return masters, slaves
}

// Failures returns the bus-request and send failure tallies.
func (s *Scheduler) Failures() (busRequest, sending uint64) {
	return s.busRequestFailed, s.sendingFailed
}

// QueueDepth returns the number of jobs currently waiting in the priority
// queue, for metrics collection.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
