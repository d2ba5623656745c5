// Package store holds the durable record of all tunnels and their routes.
// It is the single source of truth: every mutation is committed to disk
// (temp file + atomic rename) before the call returns, and all mutators
// run under one store-wide lock so readers never observe partial state.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusCrashed  Status = "crashed"
	StatusStopping Status = "stopping"
)

var (
	ErrNotFound        = errors.New("tunnel not found")
	ErrExists          = errors.New("tunnel already exists")
	ErrStillRunning    = errors.New("tunnel is still running")
	ErrDuplicateDomain = errors.New("domain already routed")
	ErrRouteNotFound   = errors.New("route not found")
	ErrInvalidName     = errors.New("invalid tunnel name")
	ErrInvalidDomain   = errors.New("invalid domain")
	ErrInvalidPort     = errors.New("port out of range")
)

// Route maps a public hostname to a local service. Owned by its tunnel;
// the domain is unique across all tunnels, not just within one.
type Route struct {
	Domain string `json:"domain"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// Tunnel is the persisted model of one named tunnel. The backing process
// handle lives in the supervisor, never here.
type Tunnel struct {
	Name      string    `json:"name"`
	AutoStart bool      `json:"auto_start"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Routes    []Route   `json:"routes"`
}

// stateFile contains the schema version and all tunnel records
type stateFile struct {
	Version   string   `json:"version"`
	Timestamp string   `json:"timestamp"`
	Tunnels   []Tunnel `json:"tunnels"`
}

const stateFileVersion = "1"

var (
	nameRe   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)
	domainRe = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
)

// ValidateName checks a tunnel name before it reaches the store
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ValidateDomain checks a route hostname before it reaches the store
func ValidateDomain(domain string) error {
	if !domainRe.MatchString(domain) {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return nil
}

// ValidatePort checks a local TCP port before it reaches the store
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}

// Store is the process-wide tunnel record, backed by a JSON state file.
type Store struct {
	mu      sync.Mutex
	path    string
	tunnels map[string]*Tunnel
}

// Open loads the state file at path, creating an empty store when none
// exists. Persisted statuses are reconciled to stopped: no subprocess
// survives a daemon restart, so anything else is stale.
func Open(path string) (*Store, error) {
	s := &Store{
		path:    path,
		tunnels: make(map[string]*Tunnel),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if state.Version != stateFileVersion {
		return nil, fmt.Errorf("unsupported state file version: %s (expected %s)", state.Version, stateFileVersion)
	}

	for i := range state.Tunnels {
		t := state.Tunnels[i]
		t.Status = StatusStopped
		s.tunnels[t.Name] = &t
	}

	return s, nil
}

// save writes the current state atomically. Callers hold s.mu.
func (s *Store) save() error {
	state := stateFile{
		Version:   stateFileVersion,
		Timestamp: time.Now().Format(time.RFC3339),
		Tunnels:   s.snapshotLocked(),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// snapshotLocked returns deep copies of all tunnels, sorted by name.
// Callers hold s.mu.
func (s *Store) snapshotLocked() []Tunnel {
	tunnels := make([]Tunnel, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		tunnels = append(tunnels, copyTunnel(t))
	}
	sort.Slice(tunnels, func(i, j int) bool { return tunnels[i].Name < tunnels[j].Name })
	return tunnels
}

func copyTunnel(t *Tunnel) Tunnel {
	c := *t
	c.Routes = make([]Route, len(t.Routes))
	copy(c.Routes, t.Routes)
	return c
}

// Get returns a copy of the named tunnel
func (s *Store) Get(name string) (Tunnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tunnels[name]
	if !ok {
		return Tunnel{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return copyTunnel(t), nil
}

// List returns copies of all tunnels, sorted by name
func (s *Store) List() []Tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Count returns the number of tunnels
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tunnels)
}

// Create registers a new tunnel in stopped state
func (s *Store) Create(name string, autoStart bool) (Tunnel, error) {
	if err := ValidateName(name); err != nil {
		return Tunnel{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tunnels[name]; ok {
		return Tunnel{}, fmt.Errorf("%w: %q", ErrExists, name)
	}

	t := &Tunnel{
		Name:      name,
		AutoStart: autoStart,
		Status:    StatusStopped,
		CreatedAt: time.Now(),
		Routes:    []Route{},
	}
	s.tunnels[name] = t

	if err := s.save(); err != nil {
		delete(s.tunnels, name)
		return Tunnel{}, err
	}
	return copyTunnel(t), nil
}

// Delete removes a tunnel and its routes. The tunnel must not have a
// live process: anything other than stopped or crashed is rejected.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tunnels[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if t.Status != StatusStopped && t.Status != StatusCrashed {
		return fmt.Errorf("%w: %q is %s", ErrStillRunning, name, t.Status)
	}

	delete(s.tunnels, name)
	if err := s.save(); err != nil {
		s.tunnels[name] = t
		return err
	}
	return nil
}

// AddRoute validates and appends a route. Domain uniqueness is checked
// across every tunnel; on any failure nothing is mutated or persisted.
func (s *Store) AddRoute(name, domain, host string, port int) error {
	if err := ValidateDomain(domain); err != nil {
		return err
	}
	if err := ValidatePort(port); err != nil {
		return err
	}
	if host == "" {
		host = "localhost"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tunnels[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	for _, other := range s.tunnels {
		for _, r := range other.Routes {
			if r.Domain == domain {
				return fmt.Errorf("%w: %q already routed by tunnel %q", ErrDuplicateDomain, domain, other.Name)
			}
		}
	}

	t.Routes = append(t.Routes, Route{Domain: domain, Host: host, Port: port})
	if err := s.save(); err != nil {
		t.Routes = t.Routes[:len(t.Routes)-1]
		return err
	}
	return nil
}

// RemoveRoute drops the route for domain from the named tunnel
func (s *Store) RemoveRoute(name, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tunnels[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	idx := -1
	for i, r := range t.Routes {
		if r.Domain == domain {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %q on tunnel %q", ErrRouteNotFound, domain, name)
	}

	removed := t.Routes[idx]
	t.Routes = append(t.Routes[:idx], t.Routes[idx+1:]...)
	if err := s.save(); err != nil {
		t.Routes = append(t.Routes, Route{})
		copy(t.Routes[idx+1:], t.Routes[idx:])
		t.Routes[idx] = removed
		return err
	}
	return nil
}

// SetStatus records a lifecycle transition. Called only by the supervisor.
func (s *Store) SetStatus(name string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tunnels[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	prev := t.Status
	t.Status = status
	if err := s.save(); err != nil {
		t.Status = prev
		return err
	}
	return nil
}

// AutoStartTunnels returns the names of tunnels flagged for auto-start
func (s *Store) AutoStartTunnels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for _, t := range s.tunnels {
		if t.AutoStart {
			names = append(names, t.Name)
		}
	}
	sort.Strings(names)
	return names
}
