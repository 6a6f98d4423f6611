package web

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/LudwikBielczynski/buildme-car/internal/camera"
	"github.com/LudwikBielczynski/buildme-car/internal/car"
)

//go:embed index.html
var indexFS embed.FS

var indexTmpl = template.Must(template.ParseFS(indexFS, "index.html"))

type statusResponse struct {
	Streaming bool   `json:"streaming"`
	HasCamera bool   `json:"hasCamera"`
	LastError string `json:"lastError,omitempty"`
}

type commandResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, struct{ HasCamera bool }{HasCamera: s.camera != nil}); err != nil {
		s.logger.Error("render index", zap.Error(err))
	}
}

// handleVideoFeed streams MJPEG as multipart/x-mixed-replace. One broadcast
// subscription per request; the stream ends when the client disconnects.
func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	if s.camera == nil || !s.camera.Status().Streaming {
		http.Error(w, "camera streaming is disabled", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.camera.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		frame, err := s.camera.Frame(r.Context(), sub)
		if err != nil {
			// Client gone or request cancelled.
			return
		}
		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if _, err := fmt.Fprint(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleToggleCamera flips streaming on or off and reports the new state.
func (s *Server) handleToggleCamera(w http.ResponseWriter, r *http.Request) {
	if s.camera == nil {
		writeJSON(w, http.StatusOK, statusResponse{Streaming: false, HasCamera: false})
		return
	}

	if s.camera.Status().Streaming {
		s.camera.Stop()
		s.logger.Info("camera streaming stopped")
		writeJSON(w, http.StatusOK, statusResponse{Streaming: false, HasCamera: true})
		return
	}

	if err := s.camera.Start(r.Context()); err != nil {
		s.logger.Error("camera streaming start failed", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, camera.ErrFirstFrameTimeout) {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, statusResponse{Streaming: false, HasCamera: true, LastError: err.Error()})
		return
	}
	s.logger.Info("camera streaming started")
	writeJSON(w, http.StatusOK, statusResponse{Streaming: true, HasCamera: true})
}

func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	if s.camera == nil {
		writeJSON(w, http.StatusOK, statusResponse{Streaming: false, HasCamera: false})
		return
	}
	st := s.camera.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		Streaming: st.Streaming,
		HasCamera: true,
		LastError: st.LastError,
	})
}

// handleCommand executes either a drive maneuver or take-picture, keyed by
// the "id" form field posted by the control page.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, `{"error":"invalid form"}`, http.StatusBadRequest)
		return
	}
	id := r.PostFormValue("id")

	switch {
	case id == "take-picture":
		msg, err := s.takePicture(r)
		if err != nil {
			s.logger.Error("take picture failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, commandResponse{Status: "error", Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, commandResponse{Status: "ok", Message: msg})

	case car.IsCommand(id):
		if err := s.car.Do(id); err != nil {
			s.logger.Error("drive command failed", zap.String("command", id), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, commandResponse{Status: "error", Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, commandResponse{Status: "ok", Message: "command executed"})

	default:
		writeJSON(w, http.StatusBadRequest, commandResponse{Status: "error", Message: fmt.Sprintf("unknown command %q", id)})
	}
}

func (s *Server) takePicture(r *http.Request) (string, error) {
	if s.camera == nil {
		return "", errors.New("camera not available")
	}
	name := fmt.Sprintf("picture_%s.jpg", time.Now().Format("20060102_150405"))
	path := filepath.Join(s.stillsDir, name)
	if err := s.camera.CaptureStill(r.Context(), path); err != nil {
		return "", err
	}
	return "Picture saved to " + path, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
