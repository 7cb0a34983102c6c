// Package server exposes the solver over HTTP. Routes mirror the
// controller's operations plus the persisted configuration surface:
// provider configs, settings, site rules, history and stats.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/capsolve/idgen"
	"github.com/hazyhaar/capsolve/kit"
	"github.com/hazyhaar/capsolve/recognize"
	"github.com/hazyhaar/capsolve/solver"
	"github.com/hazyhaar/capsolve/store"
)

// Config configures the HTTP surface.
type Config struct {
	// BasicAuthUser and BasicAuthHash enable basic auth on /api when both
	// are set. The hash is a bcrypt hash of the password, never the
	// password itself.
	BasicAuthUser string `yaml:"basic_auth_user"`
	BasicAuthHash string `yaml:"basic_auth_hash"`

	Logger *slog.Logger `yaml:"-"`
}

// Server wires the controller and store into a chi router.
type Server struct {
	ctrl *solver.Controller
	st   *store.Store
	cfg  Config
	log  *slog.Logger
}

func New(ctrl *solver.Controller, st *store.Store, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{ctrl: ctrl, st: st, cfg: cfg, log: cfg.Logger}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestContext)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		if s.cfg.BasicAuthUser != "" && s.cfg.BasicAuthHash != "" {
			r.Use(s.basicAuth)
		}

		r.Post("/open", s.handleOpen)
		r.Post("/attach", s.handleAttach)
		r.Post("/scan", s.handleScan)
		r.Post("/recognize", s.handleRecognize)
		r.Post("/fill", s.handleFill)
		r.Post("/solve", s.handleSolve)
		r.Get("/status", s.handleStatus)
		r.Post("/picker", s.handlePicker)

		r.Route("/site-rules", func(r chi.Router) {
			r.Get("/", s.handleListSiteRules)
			r.Post("/", s.handleApplySiteRule)
			r.Delete("/{hostname}", s.handleDeleteSiteRule)
		})

		r.Route("/configs", func(r chi.Router) {
			r.Get("/", s.handleListConfigs)
			r.Post("/", s.handleSaveConfig)
			r.Get("/{id}", s.handleGetConfig)
			r.Delete("/{id}", s.handleDeleteConfig)
			r.Post("/{id}/activate", s.handleActivateConfig)
			r.Post("/test", s.handleTestConfig)
		})

		r.Get("/history", s.handleHistory)
		r.Delete("/history", s.handleClearHistory)
		r.Get("/stats", s.handleStats)
		r.Delete("/stats", s.handleResetStats)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
	})

	return r
}

// requestContext stamps each request with an id and the transport tag.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithRequestID(r.Context(), idgen.Default())
		ctx = kit.WithTransport(ctx, "http")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.cfg.BasicAuthUser ||
			bcrypt.CompareHashAndPassword([]byte(s.cfg.BasicAuthHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="capsolve"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}
	if err := s.ctrl.Open(r.Context(), req.URL); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Match string `json:"match"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := s.ctrl.Attach(r.Context(), req.Match); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.Scan(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
	}
	out, err := s.ctrl.Recognize(r.Context(), req.Identity)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
		Text     string `json:"text"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
	}
	ok, err := s.ctrl.Fill(r.Context(), req.Identity, req.Text)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"filled": ok})
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.Solve(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handlePicker(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.StartPicker(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSiteRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.st.ListSiteRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleApplySiteRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Selector string `json:"selector"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Selector == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "selector is required"})
		return
	}
	cand, err := s.ctrl.ApplySiteRule(r.Context(), req.Selector)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, cand)
}

func (s *Server) handleDeleteSiteRule(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	if err := s.st.DeleteSiteRule(r.Context(), hostname); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	list, err := s.st.ListProviders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var cfg recognize.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	id, err := s.st.SaveProvider(r.Context(), cfg)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	p, err := s.st.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.st.DeleteProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleActivateConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.st.SetActiveProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// handleTestConfig runs a live round trip with the posted config. An id
// alone tests a stored config, unsealing its key server-side.
func (s *Server) handleTestConfig(w http.ResponseWriter, r *http.Request) {
	var cfg recognize.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if cfg.ID != "" && cfg.APIKey == "" {
		stored, err := s.st.ProviderByID(r.Context(), cfg.ID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		cfg = *stored
	}
	writeJSON(w, http.StatusOK, s.ctrl.TestConnection(r.Context(), cfg))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hist, err := s.st.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.st.ClearHistory(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.st.LoadStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	if err := s.st.ResetStats(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.st.LoadSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings store.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := s.st.SaveSettings(r.Context(), settings); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, solver.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, solver.ErrNoTab), errors.Is(err, solver.ErrNoCandidate):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
