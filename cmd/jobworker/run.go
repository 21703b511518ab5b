package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joeycumines/go-worker"
	"github.com/joeycumines/go-worker/promworker"
)

func newLogger(out io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(out)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func newRegistry(w *worker.Worker, namespace string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		promworker.NewCollector(w, promworker.WithNamespace(namespace)),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// serveMetrics starts serving /metrics on addr, returning once the listener
// is bound, along with the bound address.
func serveMetrics(addr string, reg *prometheus.Registry, logger *logiface.Logger[logiface.Event]) (*http.Server, string, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Err().Err(err).Log("metrics server error")
		}
	}()
	addr = lis.Addr().String()
	logger.Info().Str("addr", addr).Log("serving metrics")
	return srv, addr, nil
}

func run(ctx context.Context, cfg *Config, logOut io.Writer, once bool) error {
	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := newLogger(logOut, level)

	w, err := worker.New(cfg.workerOptions(logger)...)
	if err != nil {
		return err
	}
	defer w.Stop()

	if cfg.Metrics.Enabled {
		srv, _, err := serveMetrics(cfg.Metrics.Addr, newRegistry(w, cfg.Metrics.Namespace), logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	d, err := startDemo(w, cfg.Demo, logger)
	if err != nil {
		return err
	}
	defer func() {
		w.Stop()
		d.close()
	}()

	if cfg.Worker.Synchronous {
		defer context.AfterFunc(ctx, w.Stop)()
		if err := w.Run(); err != nil && !errors.Is(err, worker.ErrStopped) {
			return err
		}
	}
	if !d.wait(ctx) {
		logger.Warning().Err(ctx.Err()).Log("demo interrupted")
		return nil
	}

	s := w.Stats()
	logger.Info().
		Uint64("posted", s.Posted).
		Uint64("completed", s.Completed).
		Uint64("panicked", s.Panicked).
		Log("demo finished")

	if !once {
		<-ctx.Done()
	}
	return nil
}
