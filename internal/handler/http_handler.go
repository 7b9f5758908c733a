package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pesio-ai/be-plt-approvals/internal/auth"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

const maxBodyBytes = 1 << 20

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	api      *API
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	log      *logger.Logger
	ready    func() error
}

// HTTPOption customizes an HTTPHandler.
type HTTPOption func(*HTTPHandler)

// WithReadiness makes /health report the result of check.
func WithReadiness(check func() error) HTTPOption {
	return func(h *HTTPHandler) { h.ready = check }
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(api *API, verifier *auth.Verifier, m *metrics.Metrics, log *logger.Logger, opts ...HTTPOption) *HTTPHandler {
	h := &HTTPHandler{
		api:      api,
		verifier: verifier,
		metrics:  m,
		log:      log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the router. requestTimeout bounds every API call.
func (h *HTTPHandler) Routes(requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log, h.metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if requestTimeout > 0 {
			r.Use(middleware.Timeout(requestTimeout))
		}
		r.Use(auth.Middleware(h.verifier, h.writeError))

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.ListTemplates)
			r.Post("/", h.CreateTemplate)
			r.Get("/{id}", h.GetTemplate)
			r.Patch("/{id}", h.UpdateTemplate)
			r.Delete("/{id}", h.DeleteTemplate)
			r.Put("/{id}/fields", h.ReplaceTemplateFields)
			r.Put("/{id}/levels", h.ReplaceTemplateLevels)
		})

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/", h.CreateRequest)
			r.Get("/stuck", h.ListStuckRequests)
			r.Get("/overdue", h.ListOverdueRequests)
			r.Get("/{id}", h.GetRequest)
			r.Patch("/{id}", h.UpdateRequest)
			r.Delete("/{id}", h.DeleteRequest)
			r.Post("/{id}/submit", h.SubmitRequest)
			r.Post("/{id}/actions", h.ActOnRequest)
			r.Post("/{id}/cancel", h.CancelRequest)
		})

		r.Get("/notifications", h.ListNotifications)
		r.Post("/notifications/{id}/read", h.MarkNotificationRead)
	})

	return r
}

// Health reports liveness and, when configured, readiness of the store.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			h.log.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Templates ─────────────────────────────────────────────────────────────────

// CreateTemplate handles create template HTTP requests
func (h *HTTPHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateBody
	if !h.decode(w, r, &body) {
		return
	}
	tpl, err := h.api.CreateTemplate(r.Context(), &body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

// ListTemplates handles list templates HTTP requests
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	templates, err := h.api.ListTemplates(r.Context(), service.TemplateListOptions{
		ActiveOnly:    q.Get("activeOnly") != "false",
		IncludeFields: q.Get("includeFields") == "true",
		IncludeLevels: q.Get("includeLevels") == "true",
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

// GetTemplate handles get template HTTP requests
func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tpl, err := h.api.GetTemplate(r.Context(), chi.URLParam(r, "id"),
		q.Get("includeFields") != "false", q.Get("includeLevels") == "true")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// UpdateTemplate handles template metadata updates
func (h *HTTPHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var body templatePatchBody
	if !h.decode(w, r, &body) {
		return
	}
	tpl, err := h.api.UpdateTemplate(r.Context(), chi.URLParam(r, "id"), &body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// DeleteTemplate handles delete template HTTP requests
func (h *HTTPHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	res, err := h.api.DeleteTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReplaceTemplateFields handles field list replacement
func (h *HTTPHandler) ReplaceTemplateFields(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fields []fieldBody `json:"fields"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	fields, err := h.api.ReplaceTemplateFields(r.Context(), chi.URLParam(r, "id"), body.Fields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": fields})
}

// ReplaceTemplateLevels handles level chain replacement for one scope
func (h *HTTPHandler) ReplaceTemplateLevels(w http.ResponseWriter, r *http.Request) {
	var body levelsBody
	if !h.decode(w, r, &body) {
		return
	}
	levels, err := h.api.ReplaceTemplateLevels(r.Context(), chi.URLParam(r, "id"), &body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"levels": levels})
}

// ── Requests ──────────────────────────────────────────────────────────────────

// CreateRequest handles create request HTTP requests
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	req, err := h.api.CreateRequest(r.Context(), &body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListRequests handles list requests HTTP requests
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	res, err := h.api.ListRequests(r.Context(), &listRequestsQuery{
		View:       q.Get("view"),
		Status:     q.Get("status"),
		TemplateID: q.Get("templateId"),
		Page:       page,
		Limit:      limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetRequest returns a request with its action trail
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	detail, err := h.api.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// UpdateRequest handles form edits and resubmission
func (h *HTTPHandler) UpdateRequest(w http.ResponseWriter, r *http.Request) {
	var body updateRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	req, err := h.api.UpdateRequest(r.Context(), chi.URLParam(r, "id"), &body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// SubmitRequest handles draft submission
func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.api.SubmitRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ActOnRequest handles approve, decline and send back
func (h *HTTPHandler) ActOnRequest(w http.ResponseWriter, r *http.Request) {
	var body actionBody
	if !h.decode(w, r, &body) {
		return
	}
	req, err := h.api.Act(r.Context(), chi.URLParam(r, "id"), &body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// CancelRequest handles cancellation by the requester
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	res, err := h.api.CancelRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteRequest handles draft deletion
func (h *HTTPHandler) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	if err := h.api.DeleteRequest(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListStuckRequests lists pending requests without an approver
func (h *HTTPHandler) ListStuckRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.api.ListStuckRequests(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

// ListOverdueRequests lists pending requests past their deadline
func (h *HTTPHandler) ListOverdueRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.api.ListOverdueRequests(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

// ── Notifications ─────────────────────────────────────────────────────────────

// ListNotifications lists the caller's notifications
func (h *HTTPHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	notifications, err := h.api.ListNotifications(r.Context(), q.Get("unreadOnly") == "true", limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

// MarkNotificationRead marks one notification read
func (h *HTTPHandler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := h.api.MarkNotificationRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into v, writing a 400 on failure.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeValidation, "invalid request body"))
		return false
	}
	return true
}
