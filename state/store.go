// Package state persists the flight computer's counters across reboots.
//
// The counters live in a single msgpack document that is replaced
// atomically on every change, so a power cut mid-write leaves either the
// previous or the next value on disk. Mission ids are never reused: the
// incremented counter is durable before the id is handed out.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/satlla/obc/iox"
)

// Counters is the persisted document.
type Counters struct {
	MissionCount uint32 `msgpack:"mission_count"`
	PicCount     uint32 `msgpack:"pic_count"`
	BootCount    uint32 `msgpack:"boot_count"`
}

// Store guards the counters file. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	path     string
	counters Counters
}

// Open loads the counters at path. A missing file yields zero counters;
// the file is created on the first mutation.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := msgpack.Unmarshal(data, &s.counters); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", path, err)
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Snapshot returns a copy of the current counters.
func (s *Store) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// NextMission returns the next mission id and persists the advanced counter
// before returning. On a persist error the in-memory counter is not
// advanced and no id is handed out.
func (s *Store) NextMission() (uint32, error) {
	return s.advance(func(c *Counters) *uint32 { return &c.MissionCount })
}

// NextPicture returns the next picture number, persisted the same way.
func (s *Store) NextPicture() (uint32, error) {
	return s.advance(func(c *Counters) *uint32 { return &c.PicCount })
}

// RecordBoot increments and persists the boot counter, returning the new
// value.
func (s *Store) RecordBoot() (uint32, error) {
	prev, err := s.advance(func(c *Counters) *uint32 { return &c.BootCount })
	if err != nil {
		return 0, err
	}
	return prev + 1, nil
}

func (s *Store) advance(field func(*Counters) *uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.counters
	ptr := field(&next)
	current := *ptr
	*ptr = current + 1

	if err := s.persist(next); err != nil {
		return 0, err
	}
	s.counters = next
	return current, nil
}

func (s *Store) persist(c Counters) error {
	data, err := msgpack.Marshal(&c)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := iox.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}
