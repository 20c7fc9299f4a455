package api

import (
	"net/http"
	"strconv"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/store"
)

const (
	loraListDefaultLimit = 50
	loraListMaxLimit     = 200
)

// handleToolRegistry lists every registered tool with its schema and
// costing model. Public: clients need this before they hold a key.
func (s *Server) handleToolRegistry(w http.ResponseWriter, r *http.Request) {
	tools := s.deps.Tools.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": tools,
		"count": len(tools),
	})
}

// handleLoraList searches public LoRA models. q substring-matches across
// name, slug, trigger words, description and tags, case-insensitively.
func (s *Server) handleLoraList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, _ := strconv.ParseInt(q.Get("limit"), 10, 64)
	if limit <= 0 {
		limit = loraListDefaultLimit
	}
	if limit > loraListMaxLimit {
		limit = loraListMaxLimit
	}

	filterType := q.Get("filterType")
	switch filterType {
	case "", "public":
	default:
		writeError(w, core.E(core.KindInvalidInput, "filterType %q is not available on the public catalog", filterType))
		return
	}

	loras, err := s.deps.Loras.SearchLoras(r.Context(), store.LoraSearch{
		Query:      q.Get("q"),
		Checkpoint: q.Get("checkpoint"),
		FilterType: filterType,
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loras": loras,
		"count": len(loras),
	})
}
