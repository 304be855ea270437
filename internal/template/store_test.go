package template_test

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/example/notification-dispatch/internal/template"
)

func TestFSStoreRead(t *testing.T) {
	store := template.NewFSStore(fstest.MapFS{
		"email-verification.mjml": &fstest.MapFile{Data: []byte("Hi {{username}}")},
	})

	data, err := store.Read("email-verification.mjml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "Hi {{username}}" {
		t.Fatalf("unexpected content %q", data)
	}

	if _, err := store.Read("missing.mjml"); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestDirStoreRead(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "password-reset.mjml"), []byte("Reset {{resetLink}}"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	data, err := template.NewDirStore(dir).Read("password-reset.mjml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "Reset {{resetLink}}" {
		t.Fatalf("unexpected content %q", data)
	}
}
