package internal

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"roomchat/internal/storage"
)

const maxPostBodyBytes = 64 * 1024

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

// Routes builds the HTTP surface: room and message endpoints, uploads, the
// websocket endpoint at wsPath, health and metrics.
func (s *Server) Routes(wsPath string) http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/create-room", s.HandleCreateRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{roomId}/messages", s.HandleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{roomId}/messages", s.HandlePostMessage).Methods(http.MethodPost)
	r.HandleFunc("/exists", s.HandleRoomExists).Methods(http.MethodGet)

	r.HandleFunc("/upload", s.HandleUpload).Methods(http.MethodPost)
	r.PathPrefix(uploadsPrefix).Handler(s.UploadsHandler()).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc(wsPath, s.ServeWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})
	return r
}

func (s *Server) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := s.CreateRoom(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createRoomResponse{RoomID: roomID})
}

func (s *Server) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Messages(r.Context(), mux.Vars(r)["roomId"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	if !s.postLimiter.Allow(clientIP(r)) {
		s.metrics.RateLimited("http")
		writeError(w, http.StatusTooManyRequests, errRateLimited)
		return
	}
	var req PostRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxPostBodyBytes)
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stored, err := s.PostMessage(r.Context(), mux.Vars(r)["roomId"], req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) HandleRoomExists(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(r.URL.Query().Get("room"))
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	exists, err := s.RoomExists(r.Context(), room)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !exists {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// writeStoreError maps store sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
	case errors.Is(err, storage.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, storage.ErrStorage)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Upgrades get the raw writer so the websocket handler can hijack it.
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", clientIP(r),
		)
	})
}

// clientIP prefers the first X-Forwarded-For hop, then the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, _ := strings.Cut(fwd, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
