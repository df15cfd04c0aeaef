package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"spotex.com/internal/app"
	"spotex.com/pkg/config"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/safe"
)

const service = "matching-engine"

func main() {
	// 收到 SIGINT/SIGTERM 时取消，触发有序关闭
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		cfg     app.Config
		running atomic.Pointer[app.App]
	)
	// 只有费率支持热更新，其余配置改动需要重启
	_, err := config.LoadAndWatch(service, &cfg, func() {
		if a := running.Load(); a != nil {
			a.ApplyFees(cfg.Engine)
		}
	})
	if err != nil {
		panic("load config: " + err.Error())
	}

	if cfg.Log.File != "" {
		logger.InitWithFile(cfg.Name, cfg.Log.Level, cfg.Log.File)
	} else {
		logger.Init(cfg.Name, cfg.Log.Level)
	}
	defer logger.Sync()
	logger.Info(ctx, "service starting")

	a, err := app.New(ctx, &cfg)
	if err != nil {
		logger.Fatal(ctx, "init", zap.Error(err))
	}
	running.Store(a)

	if cfg.Metrics.Addr != "" {
		srv := metricsServer(cfg.Metrics.Addr)
		safe.Go("metrics-server", func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "metrics server", zap.Error(err))
			}
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := a.Run(ctx); err != nil {
		logger.Error(ctx, "run", zap.Error(err))
	}
	logger.Info(context.Background(), "service stopped")
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
