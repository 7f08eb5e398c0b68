package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(testPolicy))
	if err != nil {
		t.Fatalf("ParsePolicy failed: %v", err)
	}

	if got := p.CollectionNames(); len(got) != 3 || got[0] != "articles" || got[2] != "slugs" {
		t.Errorf("Unexpected collections %v", got)
	}
	if p.PrimaryKey("slugs") != "slug" || p.PrimaryKey("articles") != DefaultPrimaryKey {
		t.Error("Unexpected primary keys")
	}

	perm, err := p.Permission(editor("alice"), "articles", ActionRead)
	if err != nil {
		t.Fatalf("Permission failed: %v", err)
	}
	if perm == nil || perm.Filter != nil || !perm.AllFields() {
		t.Errorf("Expected unrestricted read for editor, got %+v", perm)
	}

	perm, err = p.Permission(datastore.Public(), "articles", ActionRead)
	if err != nil {
		t.Fatalf("Permission failed: %v", err)
	}
	if perm.Filter["status"] != "published" || perm.Allows("author") {
		t.Errorf("Unexpected public permission %+v", perm)
	}

	if _, err := p.Permission(editor("alice"), "secrets", ActionRead); !errors.Is(err, datastore.ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
	if _, err := p.Permission(&datastore.Accountability{Role: "ghost"}, "articles", ActionRead); !errors.Is(err, datastore.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for unknown role, got %v", err)
	}
	if _, err := p.Permission(admin(), "secrets", ActionDelete); err != nil {
		t.Errorf("Expected admin to bypass rules, got %v", err)
	}
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no collections", "public: {}"},
		{"unknown collection", "collections: {a: {}}\npublic:\n  b:\n    read: {}\n"},
		{"unknown action", "collections: {a: {}}\nroles:\n  r:\n    a:\n      write: {}\n"},
		{"not yaml", "collections: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePolicy([]byte(tt.yaml)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(testPolicy), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := LoadPolicy(path); err != nil {
		t.Errorf("LoadPolicy failed: %v", err)
	}
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
