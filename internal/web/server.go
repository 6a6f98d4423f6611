package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/LudwikBielczynski/buildme-car/internal/camera"
	"github.com/LudwikBielczynski/buildme-car/internal/car"
)

// Server is the rover's web surface: drive controls, the MJPEG feed and the
// camera toggle. Camera may be nil when no capture device exists; the UI and
// status endpoints degrade accordingly.
type Server struct {
	logger    *zap.Logger
	car       *car.Car
	camera    *camera.Controller
	stillsDir string
}

// New creates the server. camera may be nil.
func New(logger *zap.Logger, c *car.Car, cam *camera.Controller, stillsDir string) *Server {
	return &Server{
		logger:    logger,
		car:       c,
		camera:    cam,
		stillsDir: stillsDir,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/", s.handleIndex)
	r.Get("/video_feed", s.handleVideoFeed)
	r.Post("/toggle_camera", s.handleToggleCamera)
	r.Get("/camera_status", s.handleCameraStatus)
	r.Post("/cmd", s.handleCommand)
	r.Get("/ws/drive", s.handleDriveSocket)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// requestLogger logs one line per request. The MJPEG feed is excluded: its
// requests are expected to run for minutes and would log misleading
// durations.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/video_feed" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
