package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browser-router/internal/brokererr"
	"github.com/shehryarbajwa/browser-router/internal/logging"
	"github.com/shehryarbajwa/browser-router/internal/region"
	"github.com/shehryarbajwa/browser-router/pkg/models"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	regions *region.Manager
	logger  logr.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(regions *region.Manager, logger logr.Logger) *Handler {
	return &Handler{
		regions: regions,
		logger:  logger.WithName("api"),
	}
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest

	// An empty body asks for the default region.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), "")
		return
	}
	requested := req.Region
	if requested == "" {
		requested = r.Header.Get("X-Region")
	}
	if requested == "" {
		requested = r.URL.Query().Get("region")
	}

	logger := logging.FromContext(r.Context(), h.logger)
	details, served, err := h.regions.RequestSession(r.Context(), requested)
	if err != nil {
		kind := brokererr.KindOf(err)
		logger.Error(err, "Session request failed", "region", served, "kind", kind)
		writeError(w, statusFor(kind), err.Error(), kind)
		return
	}
	logger.V(logging.DEBUG).Info("Session reserved", "region", served, "sessionId", details.SessionID, "containerId", details.ContainerID)

	writeJSON(w, http.StatusCreated, models.CreateSessionResponse{
		SessionID:     details.SessionID,
		WSConnectPath: details.WSConnectPath,
		Region:        string(served),
	})
}

// ListRegions handles GET /v1/regions
func (h *Handler) ListRegions(w http.ResponseWriter, r *http.Request) {
	regions := h.regions.Regions()
	resp := models.RegionsResponse{
		Regions: make([]string, 0, len(regions)),
		Default: string(h.regions.DefaultRegion()),
	}
	for _, rg := range regions {
		resp.Regions = append(resp.Regions, string(rg))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCapacity handles GET /v1/regions/{region}/capacity
func (h *Handler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	rt, err := h.regions.Router(region.Region(mux.Vars(r)["region"]))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "")
		return
	}

	resp := models.RegionCapacity{Region: rt.Region(), Containers: rt.Capacity()}
	for _, c := range resp.Containers {
		resp.Total += c
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListContainers handles GET /v1/regions/{region}/containers
func (h *Handler) ListContainers(w http.ResponseWriter, r *http.Request) {
	rt, err := h.regions.Router(region.Region(mux.Vars(r)["region"]))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, rt.Agents())
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps an error kind to the HTTP status returned to callers.
func statusFor(kind brokererr.Kind) int {
	switch kind {
	case brokererr.NoCapacity, brokererr.Init, brokererr.Channel:
		return http.StatusServiceUnavailable
	case brokererr.Fetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, kind brokererr.Kind) {
	writeJSON(w, status, models.ErrorResponse{Error: msg, Kind: string(kind)})
}
