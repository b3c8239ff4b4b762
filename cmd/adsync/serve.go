package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/isometry/adsync/internal/metrics"
	"github.com/isometry/adsync/internal/scheduler"
	"github.com/isometry/adsync/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler daemon",
		Long: `Run the sync scheduler until interrupted.

The daemon runs scheduled and retry syncs from the saved settings and serves
Prometheus metrics and health endpoints on --listen_addr:

  /metrics   Prometheus metrics
  /healthz   liveness
  /readyz    readiness, with the scheduler state and current job

History entries left IN_PROGRESS by a previous process are marked as errors
at startup.`,
		RunE: runServe,
	}

	f := serveCmd.Flags()
	f.String("listen_addr", ":9090", "Address for metrics and health endpoints")
	f.Bool("run_on_startup", false, "Run a sync as soon as the daemon starts")
	viper.BindPFlags(f)

	return serveCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	listenAddr := NewFlagLoader(cmd).String("listen_addr")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		n, err := a.history.Abandon(ctx, "sync interrupted by process restart")
		if err != nil {
			return err
		}
		if n > 0 {
			tflog.SubsystemWarn(ctx, "sync", "Marked interrupted runs as failed", map[string]any{"entries": n})
		}

		server := &http.Server{
			Addr:              listenAddr,
			Handler:           newHTTPHandler(a),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return a.scheduler.Run(gctx)
		})
		g.Go(func() error {
			tflog.Info(gctx, "Serving metrics and health endpoints", map[string]any{"listen_addr": listenAddr})
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})

		err = g.Wait()
		tflog.Info(ctx, "Daemon stopped")
		return err
	})
}

type readiness struct {
	Scheduler scheduler.Info `json:"scheduler"`
	Job       *syncer.Info   `json:"job,omitempty"`
}

func newHTTPHandler(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := a.settings.Load(r.Context()); err != nil {
			http.Error(w, "settings store unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		body := readiness{Scheduler: a.service.SchedulerInfo()}
		if job, ok := a.service.CurrentJob(); ok {
			body.Job = &job
		}
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, body)
	})
	return mux
}
