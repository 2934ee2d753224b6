package client

import "sync"

// Store is the ordered collection of client records (spec §4.D). It
// preserves insertion order for deterministic save/switch/close fan-out
// while offering O(1) lookup by address, ID, and name.
type Store struct {
	mu      sync.RWMutex
	records []*Record
	byAddr  map[string]*Record
	byID    map[string]*Record
	byName  map[string][]*Record // a name may have multiple records (multiple instances)
}

// NewStore creates an empty record store.
func NewStore() *Store {
	return &Store{
		byAddr: make(map[string]*Record),
		byID:   make(map[string]*Record),
		byName: make(map[string][]*Record),
	}
}

// Add appends r to the store, indexing it by ID, name, and address (if set).
func (s *Store) Add(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, r)
	if r.ID != "" {
		s.byID[r.ID] = r
	}
	if r.Name != "" {
		s.byName[r.Name] = append(s.byName[r.Name], r)
	}
	if r.Address != "" {
		s.byAddr[r.Address] = r
	}
}

// Reindex must be called after mutating r.Address, r.ID, or r.Name in
// place so the lookup indices stay consistent. It is cheap: it just
// rebuilds this one record's index entries, not the whole store.
func (s *Store) Reindex(r *Record, oldAddr, oldID, oldName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if oldAddr != "" && s.byAddr[oldAddr] == r {
		delete(s.byAddr, oldAddr)
	}
	if r.Address != "" {
		s.byAddr[r.Address] = r
	}

	if oldID != "" && s.byID[oldID] == r {
		delete(s.byID, oldID)
	}
	if r.ID != "" {
		s.byID[r.ID] = r
	}

	if oldName != "" {
		s.byName[oldName] = removeRecord(s.byName[oldName], r)
	}
	if r.Name != "" {
		s.byName[r.Name] = appendUnique(s.byName[r.Name], r)
	}
}

// Remove deletes r from the store and all indices, by identity.
func (s *Store) Remove(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rec := range s.records {
		if rec == r {
			s.records = append(s.records[:i], s.records[i+1:]...)
			break
		}
	}
	if r.Address != "" && s.byAddr[r.Address] == r {
		delete(s.byAddr, r.Address)
	}
	if r.ID != "" && s.byID[r.ID] == r {
		delete(s.byID, r.ID)
	}
	if r.Name != "" {
		s.byName[r.Name] = removeRecord(s.byName[r.Name], r)
	}
}

// ByAddress looks up the record whose reply address matches host:port exactly.
func (s *Store) ByAddress(addr string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byAddr[addr]
}

// ByID looks up the record with the given short ID.
func (s *Store) ByID(id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// ByName returns every record currently registered under name, in
// insertion order.
func (s *Store) ByName(name string) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, len(s.byName[name]))
	copy(out, s.byName[name])
	return out
}

// ByNameAndID returns the record matching both name and id, or nil.
func (s *Store) ByNameAndID(name, id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.byName[name] {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// All returns a snapshot slice of every record in insertion order. The
// slice is a copy; mutating records through it is safe, but appending
// or removing must go through Add/Remove.
func (s *Store) All() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, len(s.records))
	copy(out, s.records)
	return out
}

// HasID reports whether id is currently assigned to any record. Used
// by the ID generator's collision check.
func (s *Store) HasID(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// Len returns the number of records currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func removeRecord(list []*Record, r *Record) []*Record {
	for i, rec := range list {
		if rec == r {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func appendUnique(list []*Record, r *Record) []*Record {
	for _, rec := range list {
		if rec == r {
			return list
		}
	}
	return append(list, r)
}
