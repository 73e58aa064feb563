package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/xdcshop/internal/catalog"
	"github.com/roach88/xdcshop/internal/harness"
	"github.com/roach88/xdcshop/internal/protocol"
	"github.com/roach88/xdcshop/internal/transport"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Listen  string
	Catalog string
}

// catalogFile is the YAML format read by relay --catalog and catalog import.
type catalogFile struct {
	AppInfos []harness.ItemSpec `yaml:"app_infos"`
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve a shared websocket channel for clients",
		Long: `Serve a websocket relay that logs every update and streams it to all
connected clients, like a shared chat channel.

With --catalog the relay also acts as a minimal shop backend: it answers
refresh requests with the catalog from the file and download requests with
a result for the requested app.

Example:
  xdcshop relay --listen :8080
  xdcshop relay --listen 127.0.0.1:8080 --catalog apps.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", ":8080", "address to listen on")
	cmd.Flags().StringVar(&opts.Catalog, "catalog", "", "YAML file with app_infos to serve")

	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg, opts.Verbose, cmd.ErrOrStderr())

	var items []catalog.Item
	if opts.Catalog != "" {
		items, err = loadCatalogFile(opts.Catalog)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load catalog", err)
		}
	}

	ctx, cancel := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           newRelay(items, opts.Catalog != ""),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("relay listening", "addr", opts.Listen, "apps", len(items))

	select {
	case err := <-errCh:
		return WrapExitError(ExitCommandError, "relay failed", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("relay shutdown", "error", err)
	}
	slog.Info("relay stopped")
	return nil
}

func loadCatalogFile(path string) ([]catalog.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rc catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	items := make([]catalog.Item, len(rc.AppInfos))
	for i, spec := range rc.AppInfos {
		items[i] = spec.Item()
	}
	return items, nil
}

// newRelay returns a hub. When serve is set it answers shop requests from
// items: refreshes get the whole catalog as update serial 1, downloads get
// okay for listed ids.
func newRelay(items []catalog.Item, serve bool) *transport.Hub {
	if !serve {
		return transport.NewHub()
	}

	b := &backend{items: make(map[catalog.ItemID]catalog.Item, len(items))}
	for _, it := range items {
		b.items[it.ID] = it
		b.list = append(b.list, it)
	}
	if len(items) > 0 {
		b.serial = 1
	}
	b.hub = transport.NewHub(transport.WithSendHook(b.answer))
	return b.hub
}

// backend answers requests seen on the relay. It is read-only after
// construction and safe for concurrent use.
type backend struct {
	hub    *transport.Hub
	items  map[catalog.ItemID]catalog.Item
	list   []catalog.Item
	serial int64
}

func (b *backend) answer(u protocol.StatusUpdate) {
	msg, err := protocol.Decode(protocol.ReceivedMessage{Payload: u.Payload})
	if err != nil || msg.Kind != protocol.KindRequest {
		return
	}

	var payload []byte
	switch req := msg.Request; {
	case req.Update != nil:
		update := protocol.CatalogUpdate{Serial: b.serial}
		if req.Update.Serial < b.serial {
			update.AppInfos = b.list
		}
		payload, err = protocol.EncodeCatalogUpdate(update)
	case req.Download != nil:
		_, known := b.items[req.Download.AppID]
		payload, err = protocol.EncodeDownloadResult(protocol.DownloadResult{ID: req.Download.AppID, Okay: known})
	default:
		return
	}
	if err != nil {
		slog.Error("relay backend encode failed", "error", err)
		return
	}

	serial := b.hub.Publish(payload)
	slog.Debug("relay backend answered", "request", u.Descr, "serial", serial)
}
