// Command analyzer ingests PDF bank statements. With -file it runs one
// document end to end and prints the summary; without it, it runs as a
// worker daemon with the reconcile sweep and the metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FACorreiaa/bank-statement-analyzer/pkg/config"
)

func main() {
	var (
		file = flag.String("file", "", "PDF to analyze; runs one job and exits")
		mode = flag.String("mode", "auto", "parse mode: auto, text or ocr")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration error", slog.Any("error", err))
		os.Exit(1)
	}

	deps, err := InitDependencies(cfg, logger)
	if err != nil {
		logger.Error("initialization failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer deps.Cleanup()

	if *file != "" {
		if err := runOnce(deps, *file, *mode); err != nil {
			logger.Error("analysis failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}
	runDaemon(deps)
}

// runOnce analyzes a single document synchronously and prints the summary.
func runOnce(deps *Dependencies, path, mode string) error {
	ctx := context.Background()

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	res, err := deps.Service.CreateJob(ctx, content, filepath.Base(path), mode, nil, true)
	if err != nil {
		return err
	}
	deps.Logger.Info("job started", slog.String("job_id", res.JobID))

	for {
		st, err := deps.Service.GetStatus(ctx, res.JobID)
		if err != nil {
			return err
		}
		if st.Status.Terminal() {
			deps.Logger.Info("job finished",
				slog.String("job_id", res.JobID),
				slog.String("status", string(st.Status)),
				slog.Int("pages_done", st.PagesDone),
				slog.Int("pages_failed", st.PagesFailed))
			if st.Error != "" {
				return fmt.Errorf("job failed: %s", st.Error)
			}
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	sum, err := deps.Service.GetSummary(ctx, res.JobID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runDaemon keeps the executor, reconcile sweep and metrics endpoint running
// until interrupted.
func runDaemon(deps *Dependencies) {
	if err := deps.Scheduler.Start(); err != nil {
		deps.Logger.Error("failed to start scheduler", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsSrv *http.Server
	if deps.Config.Observability.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", deps.Config.Observability.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			deps.Logger.Info("metrics endpoint listening", slog.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				deps.Logger.Error("metrics server error", slog.Any("error", err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	deps.Logger.Info("shutting down")
	<-deps.Scheduler.Stop().Done()
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}
}
