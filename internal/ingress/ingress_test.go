package ingress

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/burrow-sh/burrow/internal/store"
)

func TestGenerate_CatchAllLast(t *testing.T) {
	routes := []store.Route{
		{Domain: "app.example.com", Host: "localhost", Port: 8080},
		{Domain: "api.example.com", Host: "127.0.0.1", Port: 3000},
	}
	f := Generate("abc-123", "/tmp/abc-123.json", routes)

	if f.Tunnel != "abc-123" {
		t.Errorf("unexpected tunnel id: %q", f.Tunnel)
	}
	if f.CredentialsFile != "/tmp/abc-123.json" {
		t.Errorf("unexpected credentials file: %q", f.CredentialsFile)
	}
	if len(f.Ingress) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(f.Ingress))
	}
	if f.Ingress[0].Hostname != "app.example.com" || f.Ingress[0].Service != "http://localhost:8080" {
		t.Errorf("unexpected first rule: %+v", f.Ingress[0])
	}
	last := f.Ingress[len(f.Ingress)-1]
	if last.Hostname != "" || last.Service != "http_status:404" {
		t.Errorf("expected catch-all last, got %+v", last)
	}
}

func TestGenerate_NoRoutesStillHasCatchAll(t *testing.T) {
	f := Generate("", "", nil)
	if len(f.Ingress) != 1 || f.Ingress[0].Service != "http_status:404" {
		t.Errorf("expected only the catch-all rule, got %+v", f.Ingress)
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingress-web.yml")
	f := Generate("id-1", "/creds/id-1.json", []store.Route{
		{Domain: "app.example.com", Host: "localhost", Port: 8080},
	})

	if err := Write(path, f); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var parsed File
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if parsed.Tunnel != "id-1" || len(parsed.Ingress) != 2 {
		t.Errorf("round trip mangled file: %+v", parsed)
	}

	// The catch-all rule must serialize without a hostname key
	if strings.Count(string(data), "hostname:") != 1 {
		t.Errorf("expected exactly one hostname key in:\n%s", data)
	}

	// No temp file left behind
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after write")
	}
}

func TestPath(t *testing.T) {
	got := Path("/cfg", "web")
	if got != filepath.Join("/cfg", "ingress-web.yml") {
		t.Errorf("unexpected path: %q", got)
	}
}

func TestRemove_MissingFileIsFine(t *testing.T) {
	if err := Remove(filepath.Join(t.TempDir(), "ingress-ghost.yml")); err != nil {
		t.Errorf("expected nil for missing file, got %v", err)
	}
}
