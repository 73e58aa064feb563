package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/xdcshop/internal/catalog"
	"github.com/roach88/xdcshop/internal/search"
	"github.com/roach88/xdcshop/internal/store"
)

// CatalogOptions holds flags for the catalog commands.
type CatalogOptions struct {
	*RootOptions
	Search string
}

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CatalogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the stored catalog",
		Long: `Inspect the catalog replica stored in the local database.

These commands read the database only; use "xdcshop run" to sync it.`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored apps, optionally ranked by a search query",
		Example: `  xdcshop catalog list
  xdcshop catalog list --search "chess sam"
  xdcshop catalog list --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCatalog(opts, cmd)
		},
	}
	list.Flags().StringVarP(&opts.Search, "search", "s", "", "rank by fuzzy match on name and author")

	show := &cobra.Command{
		Use:           "show <id>",
		Short:         "Show one stored app",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showItem(opts, args[0], cmd)
		},
	}

	imp := &cobra.Command{
		Use:   "import <file>",
		Short: "Load apps from a YAML file into the stored catalog",
		Long: `Load app_infos from a YAML file into the stored catalog.

New ids are inserted. Known ids are updated field by field: fields missing
from the file keep their stored value. The sync cursor is not touched.`,
		Example:       `  xdcshop catalog import apps.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return importCatalog(opts, args[0], cmd)
		},
	}

	cmd.AddCommand(list, show, imp)
	return cmd
}

// ImportResult counts the rows written by catalog import.
type ImportResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

func importCatalog(opts *CatalogOptions, path string, cmd *cobra.Command) error {
	items, err := loadCatalogFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load catalog", err)
	}

	st, ns, err := openNamespace(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := commandContext(cmd)
	stored, err := ns.GetAll(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read catalog", err)
	}
	known := make(map[catalog.ItemID]catalog.Item, len(stored))
	for _, it := range stored {
		known[it.ID] = it
	}

	var inserts, updates []catalog.Item
	for _, it := range items {
		if old, ok := known[it.ID]; ok {
			merged := old.Overlay(it)
			known[it.ID] = merged
			updates = append(updates, merged)
			continue
		}
		known[it.ID] = it
		inserts = append(inserts, it)
	}

	if err := ns.InsertMany(ctx, inserts); err != nil {
		return WrapExitError(ExitFailure, "failed to import catalog", err)
	}
	if err := ns.UpdateMany(ctx, updates); err != nil {
		return WrapExitError(ExitFailure, "failed to import catalog", err)
	}
	slog.Info("catalog imported", "file", path, "inserted", len(inserts), "updated", len(updates))

	res := ImportResult{Inserted: len(inserts), Updated: len(updates)}
	return opts.formatter(cmd).Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Imported %d new and %d updated apps into %s.\n", res.Inserted, res.Updated, ns.Name())
	})
}

// openNamespace loads config, sets up logging and opens the configured
// store namespace. The caller closes the returned store.
func openNamespace(opts *RootOptions, cmd *cobra.Command) (*store.Store, *store.Namespace, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	setupLogging(cfg, opts.Verbose, cmd.ErrOrStderr())

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, st.Namespace(cfg.Namespace), nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

func listCatalog(opts *CatalogOptions, cmd *cobra.Command) error {
	st, ns, err := openNamespace(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer closeStore(st)

	items, err := ns.GetAll(commandContext(cmd))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read catalog", err)
	}
	items = search.Rank(opts.Search, items)

	return opts.formatter(cmd).Success(items, func(w io.Writer) {
		printItems(w, items)
	})
}

func showItem(opts *CatalogOptions, arg string, cmd *cobra.Command) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid app id %q", arg))
	}

	st, ns, err := openNamespace(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer closeStore(st)

	out := opts.formatter(cmd)
	it, err := ns.Get(commandContext(cmd), catalog.ItemID(id))
	if errors.Is(err, sql.ErrNoRows) {
		msg := fmt.Sprintf("app %d not in catalog", id)
		if ferr := out.Error(CodeNotFound, msg, nil); ferr != nil {
			return ferr
		}
		return NewExitError(ExitFailure, msg)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read app", err)
	}

	return out.Success(it, func(w io.Writer) {
		printItem(w, it)
	})
}

func printItems(w io.Writer, items []catalog.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No apps.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVERSION\tAUTHOR")
	for _, it := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", it.ID, catalog.Text(it.Name), catalog.Text(it.Version), catalog.Text(it.AuthorName))
	}
	tw.Flush()
}

func printItem(w io.Writer, it catalog.Item) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%d\n", it.ID)
	fmt.Fprintf(tw, "name:\t%s\n", catalog.Text(it.Name))
	fmt.Fprintf(tw, "description:\t%s\n", catalog.Text(it.Description))
	fmt.Fprintf(tw, "author:\t%s\n", catalog.Text(it.AuthorName))
	if it.AuthorEmail != nil {
		fmt.Fprintf(tw, "email:\t%s\n", *it.AuthorEmail)
	}
	fmt.Fprintf(tw, "source:\t%s\n", catalog.Text(it.SourceCodeURL))
	fmt.Fprintf(tw, "version:\t%s\n", catalog.Text(it.Version))
	fmt.Fprintf(tw, "image:\t%d bytes\n", len(catalog.Text(it.Image)))
	fmt.Fprintf(tw, "complete:\t%t\n", it.Complete())
	tw.Flush()
}

// commandContext returns the command's context, or Background when unset.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
