package api

import (
	"encoding/json"
	"net/http"

	"github.com/busybox42/mailq/internal/logging"
)

type logLevelChange struct {
	Level string `json:"level"`
}

type logLevelStatus struct {
	CurrentLevel  string `json:"current_level"`
	PreviousLevel string `json:"previous_level,omitempty"`
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, logLevelStatus{
		CurrentLevel: logging.LevelToString(logging.GetLevelManager().GetLevel()),
	})
}

// handleSetLogLevel takes the level from ?level= or a {"level": ...} body
func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	change := logLevelChange{Level: r.URL.Query().Get("level")}
	if change.Level == "" {
		body := http.MaxBytesReader(w, r.Body, 1024)
		if err := json.NewDecoder(body).Decode(&change); err != nil {
			http.Error(w, "Expected a JSON body with a level field", http.StatusBadRequest)
			return
		}
	}

	level, err := logging.StringToLevel(change.Level)
	if err != nil || change.Level == "" {
		http.Error(w, "Unknown log level, use one of: debug, info, warn, error", http.StatusBadRequest)
		return
	}

	manager := logging.GetLevelManager()
	previous := manager.GetLevel()
	manager.SetLevel(level)
	s.logger.Info("Log level changed",
		"from", logging.LevelToString(previous),
		"to", logging.LevelToString(level),
		"remote_addr", r.RemoteAddr)

	writeJSON(w, http.StatusOK, logLevelStatus{
		CurrentLevel:  logging.LevelToString(level),
		PreviousLevel: logging.LevelToString(previous),
	})
}
