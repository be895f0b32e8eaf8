package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/attestia/stageflow/internal/observability"
	"github.com/attestia/stageflow/internal/template"
	"github.com/attestia/stageflow/model"
)

// templateHandler serves the administrative template lifecycle API.
type templateHandler struct {
	service *template.Service
	logger  *zap.Logger
	metrics *observability.Metrics
}

func (h *templateHandler) create(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	var t model.WorkflowTemplate
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return
	}

	created, err := h.service.Create(r.Context(), rctx, t)
	if err != nil {
		h.recordValidationFailure(err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

func (h *templateHandler) update(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	var t model.WorkflowTemplate
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return
	}
	t.ID = chi.URLParam(r, "templateID")

	updated, err := h.service.Update(r.Context(), rctx, t)
	if err != nil {
		h.recordValidationFailure(err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

func (h *templateHandler) get(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	t, err := h.service.Get(r.Context(), rctx, chi.URLParam(r, "templateID"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

func (h *templateHandler) list(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	filters := template.Filters{
		EntityKind: r.URL.Query().Get("entity_kind"),
		ActiveOnly: r.URL.Query().Get("active") == "true",
		Tag:        r.URL.Query().Get("tag"),
		Limit:      queryInt(r, "limit", 20),
		Offset:     queryInt(r, "offset", 0),
	}

	templates, err := h.service.List(r.Context(), rctx, filters)
	if err != nil {
		WriteError(w, err)
		return
	}
	if templates == nil {
		templates = []model.WorkflowTemplate{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": templates})
}

func (h *templateHandler) delete(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	if err := h.service.Delete(r.Context(), rctx, chi.URLParam(r, "templateID")); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *templateHandler) activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *templateHandler) deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *templateHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}
	templateID := chi.URLParam(r, "templateID")

	var err error
	if active {
		err = h.service.Activate(r.Context(), rctx, templateID)
	} else {
		err = h.service.Deactivate(r.Context(), rctx, templateID)
	}
	if err != nil {
		WriteError(w, err)
		return
	}

	status := "deactivated"
	if active {
		status = "activated"
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *templateHandler) recordValidationFailure(err error) {
	if h.metrics != nil && model.CodeOf(err) == model.ErrValidationError {
		h.metrics.RecordTemplateValidationFailure()
	}
}
