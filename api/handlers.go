package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	gojson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tesa-overwatch/api/middleware"
	"tesa-overwatch/api/services"
	"tesa-overwatch/pkg/broadcast"
	"tesa-overwatch/pkg/logging"
	"tesa-overwatch/pkg/shared"
	"tesa-overwatch/pkg/telemetry"
)

// HealthChecker reports the state of an optional dependency.
type HealthChecker interface {
	HealthCheck() error
}

type Deps struct {
	Artifacts *services.ArtifactService
	Uploads   *services.UploadService
	Cameras   *services.CameraService
	Telemetry *telemetry.Router
	Hub       *broadcast.Hub
	// Bus and MQTT are nil when disabled.
	Bus  HealthChecker
	MQTT interface{ Connected() bool }

	MaxUploadBytes int64
	// WriteRateLimit is POST requests per client IP per minute; 0 disables.
	WriteRateLimit int
	Version        string
}

type Handlers struct {
	deps    Deps
	started time.Time
	log     zerolog.Logger
}

func NewHandlers(deps Deps) *Handlers {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 20 << 20
	}
	return &Handlers{
		deps:    deps,
		started: time.Now(),
		log:     logging.With("api"),
	}
}

// Routes builds the HTTP surface.
func (h *Handlers) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/debug/paths", h.DebugPaths)

		r.Get("/detected/images", h.ListDetectedImages)
		r.Get("/detected/images/{filename}", h.ServeDetectedImage)
		r.Get("/csv/for-image/{imageFilename}", h.MetadataForImage)
		r.Get("/cameras", h.Cameras)
		r.Get("/offensive/drones", h.ListDrones)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(h.deps.WriteRateLimit, time.Minute, h.rateLimited))
			r.Post("/detected/upload", h.UploadDetectedImage)
			r.Post("/offensive/drones/update", h.UpdateDrone)
		})
	})

	r.Get("/ws", h.WebSocket)
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusNotFound, "NotFoundError", "route not found", r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed", r.URL.Path)
	})
	return r
}

// Health is liveness only: degraded optional services show up in details
// but never change the status.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := shared.HealthStatus{
		Status:    "ok",
		Service:   shared.ServiceName,
		Version:   h.deps.Version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Details:   make(map[string]string),
	}

	switch {
	case h.deps.Bus == nil:
		health.Details["nats"] = "disabled"
	default:
		if err := h.deps.Bus.HealthCheck(); err != nil {
			health.Details["nats"] = "unhealthy: " + err.Error()
		} else {
			health.Details["nats"] = "healthy"
		}
	}

	switch {
	case h.deps.MQTT == nil:
		health.Details["mqtt"] = "disabled"
	case h.deps.MQTT.Connected():
		health.Details["mqtt"] = "connected"
	default:
		health.Details["mqtt"] = "disconnected"
	}

	if h.deps.Hub != nil {
		health.Details["websocket_clients"] = strconv.Itoa(h.deps.Hub.ClientCount())
	}

	sendJSON(w, http.StatusOK, health)
}

func (h *Handlers) DebugPaths(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, h.deps.Artifacts.DebugPaths(r.Context()))
}

func (h *Handlers) ListDetectedImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.deps.Artifacts.ListDetected(r.Context())
	if err != nil {
		h.fail(w, r, err, h.deps.Artifacts.Dirs().Detected)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"images": images,
		"count":  len(images),
	})
}

func (h *Handlers) ServeDetectedImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	path, err := h.deps.Artifacts.DetectedPath(name)
	if err != nil {
		h.fail(w, r, err, "")
		return
	}

	data, contentType, err := h.deps.Artifacts.ReadDetected(r.Context(), name)
	if err != nil {
		h.fail(w, r, err, path)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handlers) MetadataForImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "imageFilename")
	row, err := h.deps.Artifacts.MetadataFor(r.Context(), name)
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"data": row})
}

func (h *Handlers) Cameras(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, h.deps.Cameras.List(r.Context()))
}

func (h *Handlers) ListDrones(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, h.deps.Telemetry.Registry().Snapshot())
}

func (h *Handlers) UpdateDrone(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.fail(w, r, shared.NewValidationError("body", "unreadable request body"), "")
		return
	}

	raw, err := telemetry.DecodeRawUpdate(body)
	if err != nil {
		h.fail(w, r, err, "")
		return
	}

	drone, err := h.deps.Telemetry.Update(r.Context(), raw, shared.SourceHTTP)
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"drone":   drone,
	})
}

func (h *Handlers) UploadDetectedImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, http.StatusRequestEntityTooLarge, "ValidationError", "upload exceeds size limit", "")
			return
		}
		h.fail(w, r, shared.NewValidationError("body", "invalid multipart form: %v", err), "")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("image")
	if err != nil {
		h.fail(w, r, shared.NewValidationError("image", "image file is required"), "")
		return
	}
	defer file.Close()

	fields := make(map[string]string, len(r.MultipartForm.Value))
	for k, v := range r.MultipartForm.Value {
		if len(v) > 0 {
			fields[k] = strings.TrimSpace(v[0])
		}
	}

	result, err := h.deps.Uploads.Upload(r.Context(), services.UploadRequest{
		Filename: header.Filename,
		Body:     file,
		Fields:   fields,
	})
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	sendJSON(w, http.StatusCreated, result)
}

func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	broadcast.ServeWS(h.deps.Hub, w, r)
}

func (h *Handlers) rateLimited(w http.ResponseWriter, r *http.Request) {
	sendError(w, http.StatusTooManyRequests, "RateLimited", "too many requests", r.URL.Path)
}

// fail maps the error taxonomy onto status codes.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error, path string) {
	status := statusFor(err)
	ev := h.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = h.log.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	sendError(w, status, shared.ErrorKind(err), err.Error(), path)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrParse):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Helper functions
func sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = gojson.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, statusCode int, kind, message, path string) {
	sendJSON(w, statusCode, shared.ErrorBody{
		Error:   kind,
		Message: message,
		Path:    path,
	})
}
