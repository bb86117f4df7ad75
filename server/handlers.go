package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/doingharm/gamepad-relay/protocol"
	"github.com/doingharm/gamepad-relay/relay"
	"github.com/doingharm/gamepad-relay/store"
)

type ctxKey struct{}

// UserID returns the authenticated user id stored by authenticate.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

func (s *Server) userFromRequest(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", false
	}
	id, ok := s.cfg.Tokens[token]
	return id, ok
}

// authenticate maps a bearer token onto a user id.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.userFromRequest(r)
		if !ok {
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	settings, err := s.deps.Settings.Settings(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("failed to load settings")
		writeError(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	settings := store.DefaultSettings()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&settings); err != nil {
		writeError(w, "Invalid settings: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.deps.Settings.PutSettings(r.Context(), userID, settings); err != nil {
		if errors.Is(err, store.ErrInvalidSettings) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error().Err(err).Str("user", userID).Msg("failed to save settings")
		writeError(w, "Failed to save settings", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, settings)
}

// handleExtensionMessage is the externally-callable entry into the
// extension background. The caller's Origin header is checked against the
// allow-list by the background itself.
func (s *Server) handleExtensionMessage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Extension == nil {
		writeError(w, "Extension relay is not running", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		writeError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	resp := s.deps.Extension.HandleExternal(r.Context(), r.Header.Get("Origin"), body)

	status := http.StatusOK
	switch {
	case resp.Success:
	case resp.Error == relay.ErrUnauthorizedSender.Error():
		status = http.StatusForbidden
	default:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

type healthResponse struct {
	Status      string `json:"status"`
	Database    bool   `json:"database"`
	Realtime    bool   `json:"realtime"`
	Regular     int    `json:"regularConnections"`
	Public      int    `json:"publicConnections"`
	Broadcasts  uint64 `json:"broadcasts"`
	Dropped     uint64 `json:"droppedUpdates"`
	ExtensionUp bool   `json:"extension"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:      "ok",
		Database:    s.deps.Settings == nil || s.deps.Settings.Ping(ctx) == nil,
		Realtime:    s.deps.Availability == nil || s.deps.Availability.Available(),
		ExtensionUp: s.deps.Extension != nil,
	}
	if s.deps.Router != nil {
		resp.Regular, resp.Public = s.deps.Router.Counts()
		resp.Broadcasts, resp.Dropped = s.deps.Router.Stats()
	}

	status := http.StatusOK
	if !resp.Database {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else if !resp.Realtime {
		// realtime is best-effort; the local router still works
		resp.Status = "degraded"
	}

	writeJSON(w, status, resp)
}

// resolveChannel accepts either a username or a full channel id.
func resolveChannel(param string) (string, error) {
	if strings.HasPrefix(param, protocol.ChannelPrefix) {
		return param, nil
	}
	if err := protocol.ValidateUsername(param); err != nil {
		return "", err
	}
	return protocol.ChannelName(param), nil
}
