package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"msgrouter/internal/config"
	"msgrouter/internal/router"
	logx "msgrouter/pkg/logx"
)

// Server exposes the devtools surface over HTTP: state inspection, block
// list edits, impression resets, and raw state edits. It is only wired up
// when devtools are enabled.
type Server struct {
	cfg config.AdminConfig
	rt  *router.Router
	log logx.Logger

	srv *http.Server
}

func New(cfg config.AdminConfig, rt *router.Router, log logx.Logger) (*Server, error) {
	if rt == nil {
		return nil, errors.New("admin: router is required")
	}
	if strings.TrimSpace(cfg.Token) == "" && !cfg.AllowInsecure {
		return nil, errors.New("admin: token is required unless allow_insecure is set")
	}
	s := &Server{cfg: cfg, rt: rt, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.auth)

	r.Get("/state", s.handleState)
	r.Post("/block", s.handleBlock)
	r.Post("/unblock", s.handleUnblock)
	r.Post("/unblock-all", s.handleUnblockAll)
	r.Post("/reset-message-state", s.handleResetMessageState)
	r.Post("/reset-groups-state", s.handleResetGroupsState)
	r.Post("/reset-screen-impressions", s.handleResetScreenImpressions)
	r.Post("/edit-state", s.handleEditState)
	r.Post("/refresh", s.handleRefresh)
	r.Post("/trigger", s.handleTrigger)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start serves until Shutdown. It returns nil on graceful shutdown.
func (s *Server) Start() error {
	s.log.Info("admin server listening", logx.String("addr", s.cfg.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.AdminState(s.rt.GetState()))
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("ids is required"))
		return
	}
	s.rt.BlockMessageByID(r.Context(), req.IDs...)
	writeJSON(w, http.StatusOK, okBody)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, errors.New("id is required"))
		return
	}
	s.rt.UnblockMessageByID(r.Context(), req.ID)
	writeJSON(w, http.StatusOK, okBody)
}

func (s *Server) handleUnblockAll(w http.ResponseWriter, r *http.Request) {
	s.rt.UnblockAll()
	writeJSON(w, http.StatusOK, okBody)
}

func (s *Server) handleResetMessageState(w http.ResponseWriter, r *http.Request) {
	s.rt.ResetMessageState()
	writeJSON(w, http.StatusOK, okBody)
}

func (s *Server) handleResetGroupsState(w http.ResponseWriter, r *http.Request) {
	s.rt.ResetGroupsState()
	writeJSON(w, http.StatusOK, okBody)
}

func (s *Server) handleResetScreenImpressions(w http.ResponseWriter, r *http.Request) {
	s.rt.ResetScreenImpressions()
	writeJSON(w, http.StatusOK, okBody)
}

func (s *Server) handleEditState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.rt.EditState(req.Key, req.Value); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, router.ErrDevtoolsOnly) {
			status = http.StatusForbidden
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.LoadMessagesFromAllProviders(r.Context(), false); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string          `json:"id"`
		Param   json.RawMessage `json:"param,omitempty"`
		Context map[string]any  `json:"context,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, errors.New("id is required"))
		return
	}
	msg, err := s.rt.SendTriggerMessage(r.Context(), router.TriggerEvent{
		ID:      req.ID,
		Param:   req.Param,
		Context: req.Context,
	}, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

var okBody = map[string]bool{"ok": true}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
