package app

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lightener/internal/config"
	"github.com/dokzlo13/lightener/internal/eventbus"
	"github.com/dokzlo13/lightener/internal/group"
)

// HTTPService serves health checks and the apparent state of every group.
type HTTPService struct {
	cfg      *config.Config
	registry *Registry
	bus      *eventbus.Bus
	server   *http.Server
	ready    atomic.Bool
}

// NewHTTPService creates a new HTTPService.
func NewHTTPService(cfg *config.Config, registry *Registry, bus *eventbus.Bus) *HTTPService {
	return &HTTPService{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
	}
}

// SetReady marks the service ready (or not) for /ready.
func (s *HTTPService) SetReady(ready bool) {
	s.ready.Store(ready)
}

type memberView struct {
	ID           string `json:"id"`
	Constraining bool   `json:"constraining"`
}

type groupView struct {
	Name      string       `json:"name"`
	ObjectID  string       `json:"object_id"`
	StableID  string       `json:"stable_id"`
	Transport string       `json:"transport"`
	Members   []memberView `json:"members"`
	State     group.State  `json:"state"`
}

func (s *HTTPService) view(g *group.Group) groupView {
	members := make([]memberView, 0, len(g.Members()))
	for _, m := range g.Members() {
		members = append(members, memberView{ID: m.ID(), Constraining: m.Constraining()})
	}
	return groupView{
		Name:      g.Name(),
		ObjectID:  g.ObjectID(),
		StableID:  g.StableID(),
		Transport: s.registry.Transport(g.ObjectID()),
		Members:   members,
		State:     g.State(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// Handler returns the HTTP routes.
func (s *HTTPService) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	mux.HandleFunc("GET /groups", func(w http.ResponseWriter, r *http.Request) {
		groups := s.registry.All()
		out := make([]groupView, 0, len(groups))
		for _, g := range groups {
			out = append(out, s.view(g))
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /groups/{id}", func(w http.ResponseWriter, r *http.Request) {
		g, ok := s.registry.Get(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown group"})
			return
		}
		writeJSON(w, http.StatusOK, s.view(g))
	})

	// Body: {"on": true, "brightness": 128, "color_temp_kelvin": 2700, ...}
	mux.HandleFunc("POST /groups/{id}", func(w http.ResponseWriter, r *http.Request) {
		objectID := r.PathValue("id")
		if _, ok := s.registry.Get(objectID); !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown group"})
			return
		}

		var cmd group.Command
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&cmd); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		if !s.bus.Publish(eventbus.Event{
			Type:    eventbus.EventTypeGroupCommand,
			Source:  "http",
			Key:     objectID,
			Payload: cmd,
		}) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "command queue full"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})

	return mux
}

// Start begins the HTTP server if enabled.
func (s *HTTPService) Start(ctx context.Context) {
	if !s.cfg.HTTP.Enabled {
		return
	}

	go s.run(ctx)
}

func (s *HTTPService) run(ctx context.Context) {
	addr := s.cfg.HTTP.Addr()

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	log.Info().Str("addr", addr).Msg("Starting HTTP server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("HTTP server error")
	}
}
