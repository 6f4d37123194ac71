package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/catalog"
	"github.com/martinsantos/licitometro-sub001/internal/enrich"
	"github.com/martinsantos/licitometro-sub001/internal/match"
	"github.com/martinsantos/licitometro-sub001/internal/registry"
)

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			respondError(w, http.StatusNotFound, "record not found")
			return
		}
		s.internalError(w, "get record", err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.escalator.RequestEscalation(r.Context(), id)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		respondError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, enrich.ErrAlreadyComplete):
		respondError(w, http.StatusConflict, "record already at the highest level")
	case errors.Is(err, enrich.ErrQueueFull):
		respondError(w, http.StatusServiceUnavailable, "enrichment queue full")
	case err != nil:
		s.internalError(w, "escalate record", err)
	default:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "record_id": id})
	}
}

func (s *Server) handleListUnresolved(w http.ResponseWriter, r *http.Request) {
	held, err := s.catalog.ListUnresolved(r.Context())
	if err != nil {
		s.internalError(w, "list unresolved", err)
		return
	}
	respondJSON(w, http.StatusOK, held)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.nodes.List(r.Context())
	if err != nil {
		s.internalError(w, "list nodes", err)
		return
	}
	respondJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	// Active defaults to true so a fresh node starts matching right away;
	// only an explicit false creates it disabled.
	var payload struct {
		match.Node
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid node payload")
		return
	}
	node := payload.Node
	node.Active = payload.Active == nil || *payload.Active
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	node.CreatedAt = now
	node.UpdatedAt = now

	if err := s.nodes.Save(r.Context(), node); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, node)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.nodes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, match.ErrNotFound) {
			respondError(w, http.StatusNotFound, "node not found")
			return
		}
		s.internalError(w, "get node", err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.nodes.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, match.ErrNotFound) {
			respondError(w, http.StatusNotFound, "node not found")
			return
		}
		s.internalError(w, "get node", err)
		return
	}

	var node match.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		respondError(w, http.StatusBadRequest, "invalid node payload")
		return
	}
	node.ID = id
	node.CreatedAt = existing.CreatedAt
	node.UpdatedAt = time.Now().UTC()

	if err := s.nodes.Save(r.Context(), node); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// An edited definition cannot be applied retroactively by incremental
	// matching alone; rescan the catalog.
	go func() {
		if err := s.matcher.Rematch(context.Background(), id); err != nil {
			s.logger.Warn("rematch after edit aborted", zap.String("node", id), zap.Error(err))
		}
	}()
	respondJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	err := s.matcher.DeleteNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, match.ErrNotFound) {
			respondError(w, http.StatusNotFound, "node not found")
			return
		}
		s.internalError(w, "delete node", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRematch kicks a full catalog rescan for one node. The scan runs
// detached from the request; its lifecycle is observable through the
// node's edges.
func (s *Server) handleRematch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.nodes.Get(r.Context(), id); err != nil {
		if errors.Is(err, match.ErrNotFound) {
			respondError(w, http.StatusNotFound, "node not found")
			return
		}
		s.internalError(w, "get node", err)
		return
	}

	go func() {
		if err := s.matcher.Rematch(context.Background(), id); err != nil {
			s.logger.Warn("rematch aborted", zap.String("node", id), zap.Error(err))
		}
	}()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "rematching", "node_id": id})
}

func (s *Server) handleListNodeEdges(w http.ResponseWriter, r *http.Request) {
	edges, err := s.edges.ListForNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "list node edges", err)
		return
	}
	respondJSON(w, http.StatusOK, edges)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.sources.ActiveSources(r.Context())
	if err != nil {
		s.internalError(w, "list sources", err)
		return
	}
	respondJSON(w, http.StatusOK, sources)
}

func (s *Server) handleSaveSource(w http.ResponseWriter, r *http.Request) {
	var cfg registry.SourceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid source payload")
		return
	}
	if err := s.sources.Save(r.Context(), cfg); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, cfg)
}

func (s *Server) internalError(w http.ResponseWriter, action string, err error) {
	s.logger.Error(action, zap.Error(err))
	respondError(w, http.StatusInternalServerError, "internal error")
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
