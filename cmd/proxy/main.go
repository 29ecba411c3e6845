// Package main implements the entry point for the cerebras-proxy server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	glog "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	_ "github.com/joho/godotenv/autoload"

	"github.com/cerebras-proxy/cerebras-proxy/internal/authstore"
	"github.com/cerebras-proxy/cerebras-proxy/internal/capture"
	"github.com/cerebras-proxy/cerebras-proxy/internal/config"
	"github.com/cerebras-proxy/cerebras-proxy/internal/credential"
	"github.com/cerebras-proxy/cerebras-proxy/internal/forward"
	"github.com/cerebras-proxy/cerebras-proxy/internal/httpapi"
	"github.com/cerebras-proxy/cerebras-proxy/internal/httpclient"
	"github.com/cerebras-proxy/cerebras-proxy/internal/metrics"
	"github.com/cerebras-proxy/cerebras-proxy/internal/rescue"
	"github.com/cerebras-proxy/cerebras-proxy/internal/tracing"
)

func main() {
	logger, err := glog.NewConsoleWithName("cerebras-proxy", glog.LevelInfo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %+v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.MetricsEnabled {
		metrics.GlobalRecorder = metrics.NewPrometheusRecorder()
	}

	tracer, err := tracing.Init(ctx, cfg.TracingEnabled, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return err
	}
	if tracer != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	pool := credential.NewPool(cfg.Credentials, logger)
	client := httpclient.New()
	rescuer := rescue.New(cfg.AlternativeA, cfg.AlternativeB, client, logger)

	var sink capture.Sink
	if cfg.LogRequests {
		sink = capture.NewFileSink(ctx, cfg.LogDir, logger)
	}

	engine := forward.New(cfg, pool, rescueAdapter{rescuer}, client, sink, logger)

	var authStore *authstore.Store
	if cfg.IncomingAuthEnabled {
		authStore, err = authstore.Open(cfg.IncomingKeyDBDSN, logger)
		if err != nil {
			return err
		}
		defer authStore.Close()
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Config: cfg,
		Pool:   pool,
		Engine: engine,
		Auth:   authStore,
		Logger: logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// rescueAdapter adapts rescue.Router's concrete Result type to the
// forward.Rescuer interface, which uses a local RescueResult to avoid an
// import cycle between forward and rescue.
type rescueAdapter struct {
	router *rescue.Router
}

func (a rescueAdapter) Dispatch(ctx context.Context, method, path string, headers http.Header, body []byte, modelOverride string) (*forward.RescueResult, error) {
	result, err := a.router.Dispatch(ctx, method, path, headers, body, modelOverride)
	if err != nil || result == nil {
		return nil, err
	}
	return &forward.RescueResult{
		Upstream:   result.Upstream,
		StatusCode: result.StatusCode,
		Header:     result.Header,
		Body:       result.Body,
	}, nil
}
