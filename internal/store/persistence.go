package store

// Backend is the key/value persistence collaborator the command store's
// Load/Save/Wipe bridge calls through to. It is implemented by
// internal/persistence/badger; tests can substitute an in-memory fake.
type Backend interface {
	Get(scope string) ([]byte, bool, error)
	Put(scope string, data []byte) error
	Delete(scope string) error
}

const scopeCommands = "commands"

// LoadCommands replaces the in-memory command set with whatever was last
// persisted under the "commands" scope. It returns the number of bytes
// read (0 if nothing was stored), or a negative value on I/O failure,
// matching the distilled load/save/wipe byte-count contract.
func (s *Store) LoadCommands(backend Backend) int64 {
	data, found, err := backend.Get(scopeCommands)
	if err != nil {
		return -1
	}
	if !found || len(data) == 0 {
		return 0
	}

	cmds, err := DecodeColumns(data)
	if err != nil {
		return -1
	}

	s.mu.Lock()
	s.commands = make(map[string]*Command, len(cmds))
	for _, c := range cmds {
		s.commands[c.Key] = c
	}
	s.mu.Unlock()

	return int64(len(data))
}

// SaveCommands persists the current command set under the "commands"
// scope and returns the number of bytes written (0 if there was nothing to
// save), or a negative value on I/O failure.
func (s *Store) SaveCommands(backend Backend) int64 {
	cmds := s.All()
	if len(cmds) == 0 {
		return 0
	}

	data, err := EncodeColumns(cmds)
	if err != nil {
		return -1
	}
	if err := backend.Put(scopeCommands, data); err != nil {
		return -1
	}
	return int64(len(data))
}

// WipeCommands deletes the persisted "commands" scope (the in-memory set is
// untouched; callers that want a full reset also call RemoveAll) and
// returns the number of bytes that were stored, 0 if nothing was stored, or
// a negative value on I/O failure.
func (s *Store) WipeCommands(backend Backend) int64 {
	data, found, err := backend.Get(scopeCommands)
	if err != nil {
		return -1
	}
	if !found {
		return 0
	}
	if err := backend.Delete(scopeCommands); err != nil {
		return -1
	}
	return int64(len(data))
}
