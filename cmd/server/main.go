package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/JS2IIU-MH/haru-pan/internal/bridge"
	"github.com/JS2IIU-MH/haru-pan/internal/config"
	"github.com/JS2IIU-MH/haru-pan/internal/handlers"
	"github.com/JS2IIU-MH/haru-pan/internal/inference"
	"github.com/JS2IIU-MH/haru-pan/internal/metrics"
	"github.com/JS2IIU-MH/haru-pan/internal/model"
)

func main() {
	cfg, err := config.Load(os.Getenv("HARUPAN_CONFIG"))
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := cfg.NewLogger()

	if err := model.InitializeRuntime(cfg.SharedLibraryPath); err != nil {
		log.Fatalf("Failed to initialize ONNX Runtime: %v", err)
	}
	defer model.DestroyRuntime()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := &model.ORTEngine{IntraOpThreads: cfg.IntraOpThreads}
	provider := model.NewProvider(os.DirFS(cfg.AssetsDir), cfg.ModelDir, engine, log)
	defer provider.Close()

	service := inference.NewService(provider, inference.Options{ImageSize: cfg.ImageSize, MaxImageSize: cfg.MaxImageSize}, log, metrics.New(reg))
	channel := bridge.NewChannel(inference.ChannelName)
	service.Register(channel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Model != "" {
		log.WithField("asset", cfg.Model).Info("Preloading model")
		if _, err := service.LoadModel(ctx, cfg.Model, false); err != nil {
			log.Fatalf("Failed to preload model: %v", err)
		}
	}

	handler := handlers.NewHandler(service, channel, reg, log, cfg.MaxUploadBytes)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Shutdown did not complete")
		}
	}()

	log.WithFields(logrus.Fields{
		"port":    cfg.Port,
		"channel": channel.Name(),
		"methods": channel.Methods(),
	}).Info("Server starting")
	log.Info("Endpoints:")
	log.Info("  GET  /health           - Health check")
	log.Info("  POST /channel/:method  - Invoke loadModel or run with JSON args")
	log.Info("  POST /predict/image    - Predict from image upload")
	log.Info("  GET  /metrics          - Prometheus metrics")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
	log.Info("Server stopped")
}
