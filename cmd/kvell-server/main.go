package main

// cmd/kvell-server runs a standalone kvell engine behind a small HTTP API.
// It is the process a
// deployment's supervisor restarts on a Fatal crash (see pkg/kvell.doc.go):
// restarting replays internal/recovery before the next request is served.
//
// Build-time flag: `-ldflags "-X main.version=vX.Y.Z"` is set by GoReleaser.
//
// © 2025 kvell authors. MIT License.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kvellstore/kvell/pkg/kvell"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kvell-server:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		dataDir    string
		shards     int
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "kvell-server",
		Short: "Run a kvell storage engine behind an HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := loadFileConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if dataDir != "" {
				fc.DataDir = dataDir
			}
			if shards != 0 {
				fc.Shards = shards
			}
			if addr != "" {
				fc.Addr = addr
			}
			return runServer(cmd.Context(), fc)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run:   func(cmd *cobra.Command, args []string) { fmt.Println(version) },
	})

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "override data_dir from config")
	cmd.Flags().IntVar(&shards, "shards", 0, "override shards from config")
	cmd.Flags().StringVar(&addr, "addr", "", "override addr from config")

	return cmd
}

func runServer(ctx context.Context, fc fileConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()

	e, err := kvell.New(
		kvell.WithDataDir(fc.DataDir),
		kvell.WithShards(fc.Shards),
		kvell.WithQueueDepth(fc.QueueDepth),
		kvell.WithNeverExceedQueueDepth(fc.NeverExceedQueue),
		kvell.WithMaxActiveTransactions(fc.MaxActiveTxns),
		kvell.WithTransactionObjectSize(fc.TransactionLogBytes),
		kvell.WithMetrics(reg),
		kvell.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer e.Close()

	mux := http.NewServeMux()
	registerAPI(mux, e)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{Addr: fc.Addr, Handler: mux}
	metricsSrv := &http.Server{Addr: fc.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe() }()
	go func() { errCh <- metricsSrv.ListenAndServe() }()

	logger.Info("kvell-server started", zap.String("addr", fc.Addr), zap.String("metrics_addr", fc.MetricsAddr), zap.Int("shards", fc.Shards))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		_ = srv.Shutdown(context.Background())
		_ = metricsSrv.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		return err
	}
}

func registerAPI(mux *http.ServeMux, e *kvell.Engine) {
	mux.HandleFunc("/put", func(w http.ResponseWriter, r *http.Request) {
		k, v := r.URL.Query().Get("key"), r.URL.Query().Get("val")
		if k == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		if err := e.Put(r.Context(), []byte(k), []byte(v)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		k := r.URL.Query().Get("key")
		if k == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		v, ok, err := e.Get(r.Context(), []byte(k))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(v)
	})

	mux.HandleFunc("/delete", func(w http.ResponseWriter, r *http.Request) {
		k := r.URL.Query().Get("key")
		if k == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		if err := e.Delete(r.Context(), []byte(k)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/debug/kvell/snapshot", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"shards":         e.Shards(),
			"recovered_keys": e.RecoveredKeys(),
		})
	})
}
