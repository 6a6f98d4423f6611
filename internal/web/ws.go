package web

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 512,
	// The control page may be served from another host during development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type driveMessage struct {
	Command string  `json:"command"`
	Speed   float64 `json:"speed,omitempty"`
}

// handleDriveSocket is the low-latency drive channel used by hold-to-drive
// controls. The car is stopped when the socket closes, so a dropped
// connection cannot leave the rover running.
func (s *Server) handleDriveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("drive socket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	defer func() {
		if err := s.car.Stop(); err != nil {
			s.logger.Error("stop on drive socket close", zap.Error(err))
		}
	}()

	s.logger.Info("drive socket connected", zap.String("remote", r.RemoteAddr))
	for {
		var msg driveMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("drive socket read failed", zap.Error(err))
			}
			return
		}

		var cmdErr error
		if msg.Speed > 0 {
			cmdErr = s.car.DoSpeed(msg.Command, msg.Speed)
		} else {
			cmdErr = s.car.Do(msg.Command)
		}
		if cmdErr != nil {
			s.logger.Warn("drive socket command rejected",
				zap.String("command", msg.Command), zap.Error(cmdErr))
			if err := conn.WriteJSON(commandResponse{Status: "error", Message: cmdErr.Error()}); err != nil {
				return
			}
		}
	}
}
