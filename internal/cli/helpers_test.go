package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/xdcshop/internal/catalog"
	"github.com/roach88/xdcshop/internal/store"
)

func app(id catalog.ItemID, name, author string) catalog.Item {
	return catalog.Item{
		ID:            id,
		Name:          catalog.Str(name),
		Description:   catalog.Str(name + " app"),
		AuthorName:    catalog.Str(author),
		SourceCodeURL: catalog.Str("https://example.org/" + name),
		Version:       catalog.Str("1.0"),
	}
}

// seedDatabase creates a database file holding items and pos.
func seedDatabase(t *testing.T, items []catalog.Item, pos store.Position) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shop.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ns := st.Namespace("")
	ctx := context.Background()
	require.NoError(t, ns.InsertMany(ctx, items))
	require.NoError(t, ns.SaveCursor(ctx, pos))
	return path
}

// execute runs cmd with args and returns stdout.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
