package users

import (
	"errors"
	"path/filepath"
	"testing"
)

func tempUsers(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open user store: %v", err)
	}
	return s, path
}

func TestFirstUserIsAdmin(t *testing.T) {
	s, _ := tempUsers(t)

	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	first, err := s.Add("alice", hash)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if !first.IsAdmin {
		t.Error("expected first user to be admin")
	}

	second, err := s.Add("bob", hash)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if second.IsAdmin {
		t.Error("expected second user not to be admin")
	}
}

func TestVerify(t *testing.T) {
	s, _ := tempUsers(t)
	hash, _ := HashPassword("correct horse")
	s.Add("alice", hash)

	if err := s.Verify("alice", "correct horse"); err != nil {
		t.Errorf("expected valid credentials, got %v", err)
	}
	if err := s.Verify("alice", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("expected ErrBadCredentials, got %v", err)
	}
	if err := s.Verify("ghost", "whatever"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAdd_Duplicate(t *testing.T) {
	s, _ := tempUsers(t)
	hash, _ := HashPassword("pw")
	s.Add("alice", hash)

	if _, err := s.Add("alice", hash); !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestAdd_EmptyUsername(t *testing.T) {
	s, _ := tempUsers(t)
	if _, err := s.Add("", "hash"); !errors.Is(err, ErrInvalidUsername) {
		t.Errorf("expected ErrInvalidUsername, got %v", err)
	}
}

func TestNeedsSetup(t *testing.T) {
	s, _ := tempUsers(t)
	if !s.NeedsSetup() {
		t.Error("expected fresh store to need setup")
	}
	hash, _ := HashPassword("pw")
	s.Add("alice", hash)
	if s.NeedsSetup() {
		t.Error("expected setup to be complete after first user")
	}
}

func TestPersistence(t *testing.T) {
	s, path := tempUsers(t)
	hash, _ := HashPassword("pw")
	s.Add("alice", hash)

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Count() != 1 {
		t.Fatalf("expected 1 user after reopen, got %d", reopened.Count())
	}
	if err := reopened.Verify("alice", "pw"); err != nil {
		t.Errorf("expected credentials to survive reopen, got %v", err)
	}
}
