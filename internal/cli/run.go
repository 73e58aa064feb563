package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/xdcshop/internal/catalog"
	"github.com/roach88/xdcshop/internal/engine"
	"github.com/roach88/xdcshop/internal/shop"
	"github.com/roach88/xdcshop/internal/store"
	"github.com/roach88/xdcshop/internal/transport"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	URL       string
	Downloads []int64
	Once      bool
}

// CatalogStatus summarises a published snapshot.
type CatalogStatus struct {
	Version     int64          `json:"version"`
	Items       int            `json:"items"`
	Downloading int            `json:"downloading"`
	Received    int            `json:"received"`
	Cancelled   int            `json:"cancelled"`
	Updating    bool           `json:"updating"`
	Cursor      store.Position `json:"cursor"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the shop channel and keep the catalog in sync",
		Long: `Connect to the app store channel, resume from the stored sync cursor,
ask for catalog changes and print a status line after every change.

Downloads given with --download are requested once the first catalog update
has arrived.
With --once the command exits after the first catalog update has been
merged and every requested download has been answered.

Example:
  xdcshop run --url ws://localhost:8080/
  xdcshop run -c xdcshop.yaml --download 12 --once`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "websocket URL of the relay (overrides config)")
	cmd.Flags().Int64SliceVar(&opts.Downloads, "download", nil, "app id to download (repeatable)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "exit once the catalog is synced")

	return cmd
}

func runClient(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.URL != "" {
		cfg.Transport.URL = opts.URL
	}
	if cfg.Transport.URL == "" {
		return NewExitError(ExitCommandError, "no relay URL: set transport.url or pass --url")
	}
	retry, err := cfg.RetryPolicy()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid retry policy", err)
	}
	setupLogging(cfg, opts.Verbose, cmd.ErrOrStderr())

	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	ctx, cancel := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ws, err := transport.DialWebSocket(ctx, cfg.Transport.URL, cfg.Transport.DialTimeout.Std())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer ws.Close()

	eng := engine.New(st.Namespace(cfg.Namespace), ws,
		engine.WithRetryPolicy(retry),
		engine.WithDownloadTimeout(cfg.Lifecycle.DownloadTimeout.Std()),
	)
	facade := shop.New(eng)

	updates, unsubscribe := facade.Subscribe()
	defer unsubscribe()

	done, err := facade.Start(ctx, ws)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start client", err)
	}
	stop := func() {
		eng.Stop()
		<-done
	}

	if err := facade.Refresh(ctx); err != nil {
		slog.Warn("refresh failed", "error", err)
	}

	out := opts.formatter(cmd)
	if opts.Format != "json" {
		fmt.Fprintf(out.Writer, "Connected to %s. Press Ctrl-C to stop.\n", cfg.Transport.URL)
	}

	// Downloads wait for the refresh answer so their ids are known.
	pending := opts.Downloads
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				stop()
				return nil
			}
			status := statusOf(snap)
			if err := out.Success(status, func(w io.Writer) { printStatus(w, status) }); err != nil {
				stop()
				return err
			}
			if len(pending) > 0 && !snap.LastUpdate.IsZero() && !snap.Updating {
				requestDownloads(ctx, facade, pending)
				pending = nil
				snap = eng.Snapshot()
			}
			if opts.Once && len(pending) == 0 && synced(snap) {
				stop()
				return nil
			}

		case <-ws.Done():
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return WrapExitError(ExitFailure, "connection lost", ws.Err())

		case err := <-done:
			if err == nil || errors.Is(err, context.Canceled) {
				slog.Info("client stopped")
				return nil
			}
			return WrapExitError(ExitFailure, "engine error", err)
		}
	}
}

func requestDownloads(ctx context.Context, facade *shop.Facade, ids []int64) {
	for _, id := range ids {
		ok, err := facade.RequestDownload(ctx, catalog.ItemID(id))
		switch {
		case err != nil:
			slog.Warn("download request failed", "item_id", id, "error", err)
		case !ok:
			slog.Info("download already requested or finished", "item_id", id)
		}
	}
}

// synced reports whether a catalog update has been merged since start and
// nothing is still waiting for an answer.
func synced(snap engine.Snapshot) bool {
	if snap.LastUpdate.IsZero() || snap.Updating {
		return false
	}
	for _, e := range snap.Entries {
		if e.State == catalog.Downloading {
			return false
		}
	}
	return true
}

func statusOf(snap engine.Snapshot) CatalogStatus {
	s := CatalogStatus{
		Version:  snap.Version,
		Items:    len(snap.Entries),
		Updating: snap.Updating,
		Cursor:   snap.Cursor,
	}
	for _, e := range snap.Entries {
		switch e.State {
		case catalog.Downloading:
			s.Downloading++
		case catalog.Received:
			s.Received++
		case catalog.DownloadCancelled:
			s.Cancelled++
		}
	}
	return s
}

func printStatus(w io.Writer, s CatalogStatus) {
	fmt.Fprintf(w, "catalog: %d items (%d downloading, %d received, %d cancelled), stream %d",
		s.Items, s.Downloading, s.Received, s.Cancelled, s.Cursor.LastStreamSerial)
	if s.Updating {
		fmt.Fprint(w, ", updating")
	}
	fmt.Fprintln(w)
}
