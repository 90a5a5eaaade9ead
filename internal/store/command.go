// Package store holds the in-memory command-definition registry (component
// H): the set of read/write command definitions the scheduler drives and
// the passive matcher scans observed telegrams against, plus the
// persistence and validation boundary those definitions cross on the way
// in and out of memory.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebusgw/ebusd/ebus"
)

// Command is one configuration record: how to read (and optionally write) a
// value on the bus, and how to decode it into an engineering unit.
//
// Only the semantic fields below are consumed by the core; Unit and the
// rest of the presentation metadata are forwarded verbatim to the
// broker/Home-Assistant collaborator and never interpreted here.
type Command struct {
	Key  string
	Name string

	ReadCmd  []byte
	WriteCmd []byte
	Active   bool

	// Interval is the minimum re-issue period, in seconds. Zero means "read
	// once and never reschedule automatically" for an active command, but
	// the command still participates in passive matching.
	Interval int

	FromMaster bool
	Position   int
	Datatype   ebus.DataType
	StringLen  int
	Divider    float64
	Digits     uint8

	HasRange bool
	Min      float64
	Max      float64

	Unit        string
	Comment     string
	DisplayName string

	// Last is the unix-millisecond timestamp of the most recent successful
	// update_data, or 0 if never updated.
	Last int64

	// Value and RawValue hold the most recently decoded reading.
	Value    float64
	RawValue []byte
	IsString bool
	String   string
}

// Due reports whether this active command is eligible to run again at now
// (unix milliseconds).
func (c *Command) Due(nowMillis int64) bool {
	if c.Last == 0 {
		return true
	}
	return nowMillis >= c.Last+int64(c.Interval)*1000
}

// decodedBytes returns the wire bytes backing this command's reading: a
// sub-slice of master starting after QQ ZZ PB SB NN (offset 4+position), or
// of slave starting at position, per whichever half the command reads.
func (c *Command) decodedBytes(master, slave []byte) []byte {
	length := c.length()
	if c.FromMaster {
		return ebus.Range(master, 4+c.Position, length)
	}
	return ebus.Range(slave, c.Position, length)
}

func (c *Command) length() int {
	if c.StringLen > 0 {
		return c.StringLen
	}
	if n, ok := c.Datatype.FixedLength(); ok {
		return n
	}
	return 1
}

// decode updates c.Value/String/RawValue from raw bytes read off the bus.
func (c *Command) decode(raw []byte) {
	c.RawValue = append([]byte{}, raw...)
	if len(raw) < c.length() {
		return
	}
	switch c.Datatype {
	case ebus.DataTypeChar:
		c.IsString = true
		c.String = ebus.DecodeString(raw[:c.length()])
	case ebus.DataTypeHex:
		c.IsString = true
		c.String = ebus.ToHex(raw[:c.length()])
	default:
		v, err := ebus.Decode(c.Datatype, raw[:c.length()])
		if err != nil {
			return
		}
		if c.Divider != 0 {
			v /= c.Divider
		}
		c.Value = ebus.RoundDigits(v, c.Digits)
	}
}

// EncodeWrite converts value into wire bytes per this command's codec,
// clamping to [Min,Max] and applying the inverse divider, for use in a
// write job's command bytes (write_cmd + encode(value)).
func (c *Command) EncodeWrite(value float64) ([]byte, error) {
	if c.Datatype == ebus.DataTypeChar {
		return ebus.EncodeString(c.String, c.length()), nil
	}
	if c.Datatype == ebus.DataTypeHex {
		return ebus.FromHex(c.String), nil
	}
	if c.HasRange {
		value = ebus.Clamp(value, c.Min, c.Max)
	}
	if c.Divider != 0 {
		value *= c.Divider
	}
	return ebus.Encode(c.Datatype, value)
}

// Snapshot is the read-only view of a command's current value, as handed to
// the broker collaborator for publishing.
type Snapshot struct {
	Key         string
	Name        string
	Unit        string
	DisplayName string
	Last        int64
	Value       float64
	IsString    bool
	String      string
}

func (c *Command) snapshot() Snapshot {
	return Snapshot{
		Key:         c.Key,
		Name:        c.Name,
		Unit:        c.Unit,
		DisplayName: c.DisplayName,
		Last:        c.Last,
		Value:       c.Value,
		IsString:    c.IsString,
		String:      c.String,
	}
}

// nowMillis is overridable in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// Store is the in-memory key -> Command registry. All operations are safe
// for concurrent use; a single mutex guards the map since command lookups
// happen at most once per received telegram, never on a sub-millisecond
// hot path.
type Store struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// New returns an empty Store.
func New() *Store {
	return &Store{commands: make(map[string]*Command)}
}

// Insert upserts cmd by its Key.
func (s *Store) Insert(cmd *Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[cmd.Key] = cmd
}

// Remove deletes the command with the given key, if present.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.commands, key)
}

// RemoveAll clears every command.
func (s *Store) RemoveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = make(map[string]*Command)
}

// Find returns the command stored under key, if any.
func (s *Store) Find(key string) (*Command, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[key]
	return c, ok
}

// All returns every stored command.
func (s *Store) All() []*Command {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Command, 0, len(s.commands))
	for _, c := range s.commands {
		out = append(out, c)
	}
	return out
}

// ActiveCount and PassiveCount report the number of commands with Active
// true/false respectively.
func (s *Store) ActiveCount() int  { return s.countWhere(true) }
func (s *Store) PassiveCount() int { return s.countWhere(false) }

func (s *Store) countWhere(active bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.commands {
		if c.Active == active {
			n++
		}
	}
	return n
}

// Active reports whether at least one active command exists, satisfying
// scheduler.CommandStore.
func (s *Store) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.commands {
		if c.Active {
			return true
		}
	}
	return false
}

// NextActiveCommand selects the next due active command: the one with
// Last == 0 if any exist, else the one minimizing Last+Interval*1000. It
// returns ok == false if no active command's deadline has passed yet.
func (s *Store) NextActiveCommand() (handle any, readCmd []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := nowMillis()
	var best *Command
	for _, c := range s.commands {
		if !c.Active {
			continue
		}
		if c.Last == 0 {
			best = c
			break
		}
		if best == nil || c.Last+int64(c.Interval)*1000 < best.Last+int64(best.Interval)*1000 {
			best = c
		}
	}
	if best == nil || !best.Due(now) {
		return nil, nil, false
	}
	return best, append([]byte(nil), best.ReadCmd...), true
}

// FindPassiveCommands returns every non-active command whose ReadCmd is a
// contiguous prefix of master starting at offset 2 (PB SB NN DB...).
func (s *Store) FindPassiveCommands(master []byte) []*Command {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Command
	for _, c := range s.commands {
		if c.Active {
			continue
		}
		if len(c.ReadCmd) > 0 && ebus.Contains(master, c.ReadCmd, 2) {
			out = append(out, c)
		}
	}
	return out
}

// UpdateData stamps Last = now and decodes the appropriate half of the
// telegram into every command whose read_cmd matches master (the scheduler
// is responsible for resolving the active command's handle directly; pass
// handle == nil to match only by passive prefix). It returns every command
// handle that was updated, to be individually published.
func (s *Store) UpdateData(handle any, master, slave []byte) []any {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMillis()
	var updated []any

	if cmd, ok := handle.(*Command); ok && cmd != nil {
		cmd.Last = now
		cmd.decode(cmd.decodedBytes(master, slave))
		updated = append(updated, cmd)
	}

	for _, c := range s.commands {
		if c == handle {
			continue
		}
		if len(c.ReadCmd) == 0 || !ebus.Contains(master, c.ReadCmd, 2) {
			continue
		}
		c.Last = now
		c.decode(c.decodedBytes(master, slave))
		updated = append(updated, c)
	}
	return updated
}

// Snapshot returns a publishable view of the command identified by handle.
func (s *Store) Snapshot(handle any) (Snapshot, bool) {
	c, ok := handle.(*Command)
	if !ok || c == nil {
		return Snapshot{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.snapshot(), true
}

// ErrUnknownKey is returned by Read/Write when the requested command key
// does not exist.
var ErrUnknownKey = fmt.Errorf("unknown command key")
