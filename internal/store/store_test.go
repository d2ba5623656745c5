package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return s, path
}

func TestCreate_Duplicate(t *testing.T) {
	s, _ := tempStore(t)

	if _, err := s.Create("web", false); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := s.Create("web", true); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("expected 1 tunnel, got %d", s.Count())
	}
}

func TestCreate_InvalidName(t *testing.T) {
	s, _ := tempStore(t)

	for _, name := range []string{"", "-leading", "has space", "way/off"} {
		if _, err := s.Create(name, false); !errors.Is(err, ErrInvalidName) {
			t.Errorf("name %q: expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestDelete_RejectsLiveStatuses(t *testing.T) {
	s, _ := tempStore(t)
	s.Create("web", false)

	for _, status := range []Status{StatusStarting, StatusRunning, StatusStopping} {
		if err := s.SetStatus("web", status); err != nil {
			t.Fatalf("set status failed: %v", err)
		}
		if err := s.Delete("web"); !errors.Is(err, ErrStillRunning) {
			t.Errorf("status %s: expected ErrStillRunning, got %v", status, err)
		}
	}

	// Crashed tunnels can be deleted
	s.SetStatus("web", StatusCrashed)
	if err := s.Delete("web"); err != nil {
		t.Errorf("delete of crashed tunnel failed: %v", err)
	}
}

func TestDelete_NotFound(t *testing.T) {
	s, _ := tempStore(t)
	if err := s.Delete("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAddRoute_DuplicateDomainAcrossTunnels(t *testing.T) {
	s, _ := tempStore(t)
	s.Create("one", false)
	s.Create("two", false)

	if err := s.AddRoute("one", "app.example.com", "localhost", 8080); err != nil {
		t.Fatalf("add route failed: %v", err)
	}
	err := s.AddRoute("two", "app.example.com", "localhost", 9090)
	if !errors.Is(err, ErrDuplicateDomain) {
		t.Fatalf("expected ErrDuplicateDomain, got %v", err)
	}

	// The losing tunnel must not be mutated
	two, _ := s.Get("two")
	if len(two.Routes) != 0 {
		t.Errorf("expected no routes on 'two', got %d", len(two.Routes))
	}
}

func TestAddRoute_ValidatesBeforePersisting(t *testing.T) {
	s, path := tempStore(t)
	s.Create("web", false)
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read state: %v", err)
	}

	cases := []struct {
		domain string
		port   int
		want   error
	}{
		{"app.example.com", 0, ErrInvalidPort},
		{"app.example.com", 70000, ErrInvalidPort},
		{"not a domain", 8080, ErrInvalidDomain},
		{"nodot", 8080, ErrInvalidDomain},
	}
	for _, c := range cases {
		if err := s.AddRoute("web", c.domain, "", c.port); !errors.Is(err, c.want) {
			t.Errorf("domain=%q port=%d: expected %v, got %v", c.domain, c.port, c.want, err)
		}
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read state: %v", err)
	}
	if string(before) != string(after) {
		t.Error("state file changed despite failed validations")
	}
}

func TestAddRoute_DefaultsHostToLocalhost(t *testing.T) {
	s, _ := tempStore(t)
	s.Create("web", false)

	if err := s.AddRoute("web", "app.example.com", "", 8080); err != nil {
		t.Fatalf("add route failed: %v", err)
	}
	tun, _ := s.Get("web")
	if tun.Routes[0].Host != "localhost" {
		t.Errorf("expected localhost, got %q", tun.Routes[0].Host)
	}
}

func TestRemoveRoute(t *testing.T) {
	s, _ := tempStore(t)
	s.Create("web", false)
	s.AddRoute("web", "a.example.com", "localhost", 8080)
	s.AddRoute("web", "b.example.com", "localhost", 8081)

	if err := s.RemoveRoute("web", "a.example.com"); err != nil {
		t.Fatalf("remove route failed: %v", err)
	}
	tun, _ := s.Get("web")
	if len(tun.Routes) != 1 || tun.Routes[0].Domain != "b.example.com" {
		t.Errorf("unexpected routes after removal: %+v", tun.Routes)
	}

	if err := s.RemoveRoute("web", "a.example.com"); !errors.Is(err, ErrRouteNotFound) {
		t.Errorf("expected ErrRouteNotFound, got %v", err)
	}

	// The freed domain can be claimed by another tunnel
	s.Create("other", false)
	if err := s.AddRoute("other", "a.example.com", "localhost", 9000); err != nil {
		t.Errorf("expected freed domain to be claimable, got %v", err)
	}
}

func TestOpen_ReconcilesStatusesToStopped(t *testing.T) {
	s, path := tempStore(t)
	s.Create("web", true)
	s.Create("api", false)
	s.SetStatus("web", StatusRunning)
	s.SetStatus("api", StatusCrashed)

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	for _, name := range []string{"web", "api"} {
		tun, err := reopened.Get(name)
		if err != nil {
			t.Fatalf("get %q failed: %v", name, err)
		}
		if tun.Status != StatusStopped {
			t.Errorf("tunnel %q: expected stopped after reload, got %s", name, tun.Status)
		}
	}
}

func TestOpen_RoundTrip(t *testing.T) {
	s, path := tempStore(t)
	s.Create("web", true)
	s.AddRoute("web", "app.example.com", "127.0.0.1", 3000)

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	tun, err := reopened.Get("web")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !tun.AutoStart {
		t.Error("autostart flag lost")
	}
	if len(tun.Routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(tun.Routes))
	}
	r := tun.Routes[0]
	if r.Domain != "app.example.com" || r.Host != "127.0.0.1" || r.Port != 3000 {
		t.Errorf("route mangled: %+v", r)
	}
	if tun.CreatedAt.IsZero() {
		t.Error("created_at lost")
	}
}

func TestOpen_MissingFileStartsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "never-written.json"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("expected empty store, got %d tunnels", s.Count())
	}
}

func TestOpen_RejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	os.WriteFile(path, []byte(`{"version":"99","tunnels":[]}`), 0o600)

	if _, err := Open(path); err == nil {
		t.Error("expected error for unknown state file version")
	}
}

func TestAutoStartTunnels(t *testing.T) {
	s, _ := tempStore(t)
	s.Create("a", true)
	s.Create("b", false)
	s.Create("c", true)

	names := s.AutoStartTunnels()
	if len(names) != 2 || names[0] != "a" || names[1] != "c" {
		t.Errorf("unexpected autostart set: %v", names)
	}
}

func TestList_ReturnsCopies(t *testing.T) {
	s, _ := tempStore(t)
	s.Create("web", false)
	s.AddRoute("web", "app.example.com", "localhost", 8080)

	list := s.List()
	list[0].Routes[0].Domain = "mutated.example.com"

	tun, _ := s.Get("web")
	if tun.Routes[0].Domain != "app.example.com" {
		t.Error("List leaked internal route slice")
	}
}
