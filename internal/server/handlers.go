package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	sse "github.com/tmaxmax/go-sse"

	"github.com/angelododaro/open-deep-research/internal/ctxutil"
	"github.com/angelododaro/open-deep-research/internal/model"
	"github.com/angelododaro/open-deep-research/internal/service/research"
)

const streamRecheckInterval = 15 * time.Second

// StorageProbe reports the storage backend and its health.
type StorageProbe interface {
	Kind() string
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	controller          *research.Controller
	broker              *Broker
	storage             StorageProbe
	registryKind        string
	activeWorkers       func() int
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	streamRecheck       time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Storage, ActiveWorkers, OpenAPISpec.
type HandlersDeps struct {
	Controller          *research.Controller
	Broker              *Broker
	Storage             StorageProbe
	RegistryKind        string
	ActiveWorkers       func() int
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	if d.ActiveWorkers == nil {
		d.ActiveWorkers = func() int { return 0 }
	}
	return &Handlers{
		controller:          d.Controller,
		broker:              d.Broker,
		storage:             d.Storage,
		registryKind:        d.RegistryKind,
		activeWorkers:       d.ActiveWorkers,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
		streamRecheck:       streamRecheckInterval,
	}
}

// HandleCommand handles POST /research.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var req model.ResearchCommandRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ResearchID) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "researchId is required")
		return
	}

	res, err := h.controller.Apply(r.Context(), req.ResearchID, ctxutil.UserIDFromContext(r.Context()), req.Action)
	if err != nil {
		h.writeControllerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.CommandResponse{
		Success: true,
		Status:  res.Status,
		Message: res.Message,
	})
}

// HandleStatus handles GET /research?id=.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if strings.TrimSpace(id) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id query parameter is required")
		return
	}
	view, err := h.controller.GetStatus(r.Context(), id, ctxutil.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeControllerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.StatusResponse{Success: true, Data: view})
}

// HandleCreate handles POST /research/sessions.
func (h *Handlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req model.CreateResearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	created, err := h.controller.Submit(r.Context(), ctxutil.UserIDFromContext(r.Context()), req)
	if err != nil {
		h.writeControllerError(w, r, err)
		return
	}
	w.Header().Set("Location", "/research?id="+created.ID)
	writeJSON(w, http.StatusCreated, model.CreatedResponse{Success: true, Data: created})
}

// HandleList handles GET /research/sessions.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	views, err := h.controller.List(r.Context(), ctxutil.UserIDFromContext(r.Context()), queryLimit(r, 50))
	if err != nil {
		h.writeControllerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{Success: true, Data: views})
}

// HandleStream handles GET /research/stream?id= (SSE). The first event is
// the current projection; each committed change follows as a status event.
// The stream ends after a terminal status.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "status stream not available")
		return
	}
	id := r.URL.Query().Get("id")
	caller := ctxutil.UserIDFromContext(r.Context())
	if strings.TrimSpace(id) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id query parameter is required")
		return
	}

	// Subscribe before reading so no commit between the read and the
	// subscription is lost. Duplicates are harmless.
	ctx, cancel := context.WithCancel(r.Context())
	messages, subscribeErr := h.broker.Subscribe(ctx, id)
	subscribed := true
	defer func() {
		cancel()
		if subscribed {
			<-subscribeErr
		}
	}()

	view, err := h.controller.GetStatus(ctx, id, caller)
	if err != nil {
		h.writeControllerError(w, r, err)
		return
	}

	// Disable the server's WriteTimeout for this long-lived connection.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	last := view
	if !h.sendView(sess, view) || view.Status.IsTerminal() {
		h.sendDone(sess)
		return
	}

	recheck := time.NewTicker(h.streamRecheck)
	defer recheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-subscribeErr:
			subscribed = false
			return
		case msg := <-messages:
			if err := sess.Send(msg); err != nil {
				return
			}
			_ = sess.Flush()
			if msg.Type.String() == eventDone {
				return
			}
		case <-recheck.C:
			// Catch up if a terminal event raced the subscription.
			cur, err := h.controller.GetStatus(ctx, id, caller)
			if err != nil {
				return
			}
			if cur != last {
				if !h.sendView(sess, cur) {
					return
				}
				last = cur
			}
			if cur.Status.IsTerminal() {
				h.sendDone(sess)
				return
			}
			keepalive := &sse.Message{}
			keepalive.AppendComment("keepalive")
			if err := sess.Send(keepalive); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}

func (h *Handlers) sendView(sess *sse.Session, v model.StatusView) bool {
	msg, err := h.broker.statusMessage(v)
	if err != nil {
		return false
	}
	if err := sess.Send(msg); err != nil {
		return false
	}
	return sess.Flush() == nil
}

func (h *Handlers) sendDone(sess *sse.Session) {
	if err := sess.Send(h.broker.doneMessage()); err == nil {
		_ = sess.Flush()
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Storage:       "none",
		StorageStatus: "connected",
		Registry:      h.registryKind,
		ActiveWorkers: h.activeWorkers(),
		Uptime:        int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if h.storage != nil {
		resp.Storage = h.storage.Kind()
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.storage.Ping(ctx); err != nil {
			h.logger.Warn("health: storage ping failed", "error", err)
			resp.Status = "unhealthy"
			resp.StorageStatus = "disconnected"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeControllerError maps Lifecycle Controller errors to HTTP responses.
// Unexpected errors are logged and reported without their cause.
func (h *Handlers) writeControllerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, research.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication required")
	case errors.Is(err, research.ErrNotFoundOrForbidden):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "research session not found")
	case errors.Is(err, research.ErrInvalidAction):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidAction, "invalid action")
	case errors.Is(err, research.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, inputMessage(err))
	default:
		h.logger.Error("research request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// inputMessage strips the package prefix from a validation error.
func inputMessage(err error) string {
	msg := err.Error()
	if _, rest, ok := strings.Cut(msg, research.ErrInvalidInput.Error()+": "); ok {
		return rest
	}
	return "invalid input"
}

func queryLimit(r *http.Request, defaultVal int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return min(n, 1000)
}
