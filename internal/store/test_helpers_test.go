package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/xdcshop/internal/catalog"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestItem creates a complete item whose fields derive from name.
func createTestItem(id int64, name string) catalog.Item {
	return catalog.Item{
		ID:            catalog.ItemID(id),
		Name:          catalog.Str(name),
		Description:   catalog.Str(name + " description"),
		AuthorName:    catalog.Str("author of " + name),
		AuthorEmail:   catalog.Str(name + "@example.org"),
		SourceCodeURL: catalog.Str("https://example.org/" + name),
		Version:       catalog.Str("1.0.0"),
		Image:         catalog.Str("iVBORw0KGgo="),
	}
}
