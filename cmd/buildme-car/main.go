package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/LudwikBielczynski/buildme-car/internal/camera"
	"github.com/LudwikBielczynski/buildme-car/internal/car"
	"github.com/LudwikBielczynski/buildme-car/internal/config"
	"github.com/LudwikBielczynski/buildme-car/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	cam := setupCamera(cfg, logger)

	var driver car.Driver
	driver, err = car.OpenBuildHAT(cfg.Car.SerialPort, logger)
	if err != nil {
		logger.Warn("build hat not found, driving in emulation mode", zap.Error(err))
		driver = car.NewEmulatedDriver(logger)
	}
	defer driver.Close()

	rover := car.New(driver, logger, car.Config{
		DefaultSpeed: cfg.Car.DefaultSpeed,
		Pulse:        cfg.Car.Pulse,
	})

	stillsDir := cfg.Camera.StillsDir
	if stillsDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			stillsDir = home
		}
	}

	server := web.New(logger, rover, cam, stillsDir)
	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     server.Router(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: the MJPEG feed is a deliberately long-lived response.
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	if cam != nil {
		cam.Stop()
	}
	if err := rover.Stop(); err != nil {
		logger.Warn("stop motors on shutdown", zap.Error(err))
	}
}

// setupCamera builds the camera controller, or returns nil when no V4L2
// device exists so the rest of the service still runs.
func setupCamera(cfg *config.Config, logger *zap.Logger) *camera.Controller {
	device := cfg.Camera.Device
	if device == "" {
		devices, err := camera.DetectDevices()
		if err != nil {
			logger.Warn("video device scan failed", zap.Error(err))
		}
		if len(devices) > 0 {
			device = devices[0]
		}
	}
	if device == "" {
		logger.Info("no camera detected, streaming disabled")
		return nil
	}

	ffcfg := camera.FFmpegConfig{
		Binary:    cfg.Camera.FFmpegPath,
		Device:    device,
		Width:     cfg.Camera.Width,
		Height:    cfg.Camera.Height,
		Framerate: cfg.Camera.Framerate,
	}
	opener := func(ctx context.Context) (camera.Source, error) {
		return camera.OpenFFmpegSource(ctx, ffcfg, logger)
	}
	still := &camera.FFmpegStill{Config: ffcfg, Logger: logger}

	registry := camera.NewRegistry()
	cam := registry.GetOrCreate(device, func() *camera.Controller {
		return camera.NewController(device, opener, still, logger, camera.Options{
			FirstFrameTimeout: cfg.Camera.FirstFrameTimeout,
		})
	})
	logger.Info("camera detected", zap.String("device", device))
	return cam
}
