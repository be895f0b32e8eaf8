package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/attestia/stageflow/internal/engine"
	"github.com/attestia/stageflow/model"
)

// instanceHandler serves the instance lifecycle and history APIs.
type instanceHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

func (h *instanceHandler) start(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	var req engine.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return
	}

	inst, err := h.engine.Start(r.Context(), rctx, req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, inst)
}

func (h *instanceHandler) transition(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	var req engine.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return
	}
	req.InstanceID = chi.URLParam(r, "instanceID")

	inst, err := h.engine.Transition(r.Context(), rctx, req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *instanceHandler) pause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.Pause)
}

func (h *instanceHandler) resume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.Resume)
}

func (h *instanceHandler) cancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.Cancel)
}

type lifecycleFunc func(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.WorkflowInstance, error)

func (h *instanceHandler) lifecycle(w http.ResponseWriter, r *http.Request, op lifecycleFunc) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	// An empty body is fine for pause and resume.
	_ = json.NewDecoder(r.Body).Decode(&body)

	inst, err := op(r.Context(), rctx, chi.URLParam(r, "instanceID"), body.Reason)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *instanceHandler) get(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	inst, err := h.engine.Get(r.Context(), rctx, chi.URLParam(r, "instanceID"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *instanceHandler) list(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	filters := model.InstanceFilters{
		TemplateID: r.URL.Query().Get("template_id"),
		Status:     r.URL.Query().Get("status"),
		EntityKind: r.URL.Query().Get("entity_kind"),
		Page:       queryInt(r, "page", 1),
		PageSize:   queryInt(r, "page_size", 20),
	}

	summaries, totalCount, err := h.engine.List(r.Context(), rctx, filters)
	if err != nil {
		WriteError(w, err)
		return
	}
	if summaries == nil {
		summaries = []model.InstanceSummary{}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"data":        summaries,
		"total_count": totalCount,
		"page":        filters.Page,
		"page_size":   filters.PageSize,
	})
}

func (h *instanceHandler) history(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	entries, err := h.engine.History(r.Context(), rctx, chi.URLParam(r, "instanceID"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
}

func (h *instanceHandler) queryHistory(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	filters := model.HistoryFilters{
		EntityKind: r.URL.Query().Get("entity_kind"),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}
	var err error
	if filters.From, err = queryTime(r, "from"); err != nil {
		WriteError(w, model.NewBadRequestError(`"from" must be RFC 3339`))
		return
	}
	if filters.To, err = queryTime(r, "to"); err != nil {
		WriteError(w, model.NewBadRequestError(`"to" must be RFC 3339`))
		return
	}

	entries, err := h.engine.QueryHistory(r.Context(), rctx, filters)
	if err != nil {
		WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// --- helpers ---

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
