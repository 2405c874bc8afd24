// Package session holds the active-route pointer.
//
// The pointer lives outside the SQLite store in a small JSON document so
// it can be read and cleared even when the store is degraded.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the session document inside the data directory.
const FileName = "session.json"

// ActiveRoute is what the engine needs to know about the running route.
type ActiveRoute struct {
	ID           int64     `json:"id"`
	VehiclePlate string    `json:"vehicle_plate"`
	StartKm      int       `json:"start_km"`
	StartedAt    time.Time `json:"started_at"`
}

type document struct {
	Active *ActiveRoute `json:"active_route,omitempty"`
}

// Session owns the active-route pointer. Safe for concurrent use.
type Session struct {
	mu   sync.RWMutex
	path string
	doc  document
}

// Load reads the session from dataDir, starting empty when the file is
// missing. A corrupt file is treated as "no active route".
func Load(dataDir string) (*Session, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	s := &Session{path: filepath.Join(dataDir, FileName)}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		s.doc = document{}
	}
	return s, nil
}

// NewMemory returns a session that is never written to disk.
func NewMemory() *Session {
	return &Session{}
}

// ActiveRouteID returns the active route id, if any.
func (s *Session) ActiveRouteID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.Active == nil {
		return 0, false
	}
	return s.doc.Active.ID, true
}

// Active returns a copy of the active route, if any.
func (s *Session) Active() (ActiveRoute, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.Active == nil {
		return ActiveRoute{}, false
	}
	return *s.doc.Active, true
}

// SetActiveRoute replaces the pointer and persists it.
func (s *Session) SetActiveRoute(route ActiveRoute) error {
	if route.ID <= 0 {
		return fmt.Errorf("invalid route id %d", route.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.doc
	s.doc.Active = &route
	if err := s.save(); err != nil {
		s.doc = prev
		return err
	}
	return nil
}

// ClearActiveRoute removes the pointer and persists the change.
func (s *Session) ClearActiveRoute() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.doc
	s.doc.Active = nil
	if err := s.save(); err != nil {
		s.doc = prev
		return err
	}
	return nil
}

// save writes the document via a temp file and rename. Caller holds mu.
func (s *Session) save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace session: %w", err)
	}
	return nil
}
