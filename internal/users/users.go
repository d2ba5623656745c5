// Package users keeps the minimal operator account records. The system
// is in "needs setup" mode until the first user registers; that first
// user becomes the administrator.
package users

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists      = errors.New("username already registered")
	ErrUserNotFound    = errors.New("user not found")
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrInvalidUsername = errors.New("invalid username")
)

// User is one operator account
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the file-backed user registry
type Store struct {
	mu    sync.Mutex
	path  string
	users map[string]User
}

// Open loads the user file at path, starting empty when none exists
func Open(path string) (*Store, error) {
	s := &Store{
		path:  path,
		users: make(map[string]User),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	for _, u := range users {
		s.users[u.Username] = u
	}
	return s, nil
}

// save writes the user list atomically. Callers hold s.mu.
func (s *Store) save() error {
	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })

	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal users: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write users temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename users file: %w", err)
	}
	return nil
}

// HashPassword produces a bcrypt hash suitable for Add
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Add registers a user with an already-hashed password. The first user
// registered becomes the administrator.
func (s *Store) Add(username, passwordHash string) (User, error) {
	if username == "" {
		return User{}, ErrInvalidUsername
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; ok {
		return User{}, fmt.Errorf("%w: %q", ErrUserExists, username)
	}

	u := User{
		Username:     username,
		PasswordHash: passwordHash,
		IsAdmin:      len(s.users) == 0,
		CreatedAt:    time.Now(),
	}
	s.users[username] = u

	if err := s.save(); err != nil {
		delete(s.users, username)
		return User{}, err
	}
	return u, nil
}

// Verify checks a username/password pair against the stored hash
func (s *Store) Verify(username, password string) error {
	s.mu.Lock()
	u, ok := s.users[username]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUserNotFound, username)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}

// Count returns the number of registered users
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// NeedsSetup reports whether the system is still waiting for its first
// user registration
func (s *Store) NeedsSetup() bool {
	return s.Count() == 0
}
