// Package api serves the query and alignment surface over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sfalkner/gridobs/internal/align"
	"github.com/sfalkner/gridobs/internal/config"
	"github.com/sfalkner/gridobs/internal/geo"
	"github.com/sfalkner/gridobs/internal/grid"
	"github.com/sfalkner/gridobs/internal/station"
	"github.com/sfalkner/gridobs/internal/storage/sqlite"
	"github.com/sfalkner/gridobs/internal/websocket"
	"github.com/sfalkner/gridobs/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	gridIndex     *grid.Index
	gridEngine    *grid.Engine
	stationIndex  *station.Index
	stationEngine *station.Engine
	combiner      *align.Combiner
	store         *sqlite.Store
	wsServer      *websocket.Server
	config        *config.Config
	logger        *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	gridIndex *grid.Index,
	gridEngine *grid.Engine,
	stationIndex *station.Index,
	stationEngine *station.Engine,
	combiner *align.Combiner,
	store *sqlite.Store,
	wsServer *websocket.Server,
	cfg *config.Config,
	log *logger.Logger,
) *Handler {
	return &Handler{
		gridIndex:     gridIndex,
		gridEngine:    gridEngine,
		stationIndex:  stationIndex,
		stationEngine: stationEngine,
		combiner:      combiner,
		store:         store,
		wsServer:      wsServer,
		config:        cfg,
		logger:        log.Named("api-handler"),
	}
}

// gridValuesRequest is the body of the grid value endpoints. Times and
// coords follow the engine's broadcast contract: length 1 or equal length.
type gridValuesRequest struct {
	Model  string      `json:"model"`
	Param  string      `json:"param"`
	Times  []time.Time `json:"times"`
	Coords []geo.Coord `json:"coords"`
	Radius float64     `json:"radius,omitempty"` // IDW endpoint only
}

// GetGridValues resolves (time, coord) pairs to forecast point values.
func (h *Handler) GetGridValues(w http.ResponseWriter, r *http.Request) {
	var req gridValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rows, err := h.gridEngine.GetValues(r.Context(), grid.Model(req.Model), req.Param, req.Times, req.Coords)
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

// GetGridValuesIDW resolves (time, coord) pairs to IDW-interpolated values.
func (h *Handler) GetGridValuesIDW(w http.ResponseWriter, r *http.Request) {
	var req gridValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	radius := req.Radius
	if radius == 0 {
		radius = h.config.Grid.IDWRadiusDegrees
	}
	rows, err := h.gridEngine.GetValuesIDW(r.Context(), grid.Model(req.Model), req.Param, req.Times, req.Coords, radius)
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

type gridAreaRequest struct {
	Model  string    `json:"model"`
	Param  string    `json:"param"`
	Time   time.Time `json:"time"`
	LatMin float64   `json:"lat_min"`
	LatMax float64   `json:"lat_max"`
	LonMin float64   `json:"lon_min"`
	LonMax float64   `json:"lon_max"`
	Step   float64   `json:"step,omitempty"` // 0 = the model's grid spacing
}

// GetGridArea samples a rectangular area at one forecast time, stepping at
// the model's grid spacing unless the request overrides it.
func (h *Handler) GetGridArea(w http.ResponseWriter, r *http.Request) {
	var req gridAreaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	step := req.Step
	if step == 0 {
		geom, ok := h.gridIndex.Geometry(grid.Model(req.Model), req.Param)
		if !ok {
			writeError(w, http.StatusBadRequest, "no geometry known for "+req.Model+"/"+req.Param)
			return
		}
		step = geom.Delta
	}
	coords := grid.AreaCoords(req.LatMin, req.LatMax, req.LonMin, req.LonMax, step)
	if len(coords) == 0 {
		writeError(w, http.StatusBadRequest, "empty area")
		return
	}
	rows, err := h.gridEngine.GetValues(r.Context(), grid.Model(req.Model), req.Param, []time.Time{req.Time}, coords)
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

type stationValuesRequest struct {
	Times     []time.Time `json:"times"`
	Lat       float64     `json:"lat"`
	Lon       float64     `json:"lon"`
	AllParams bool        `json:"all_params"`
	Params    []string    `json:"params"`
}

// GetStationValues returns the observation rows of one station coordinate.
func (h *Handler) GetStationValues(w http.ResponseWriter, r *http.Request) {
	var req stationValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rows, err := h.stationEngine.GetValues(req.Times, req.Lat, req.Lon, req.AllParams, req.Params)
	if err != nil {
		h.logger.Error("Station query failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "station query failed")
		return
	}
	if rows == nil {
		rows = []station.ResultRow{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

type alignmentRunRequest struct {
	Model        string  `json:"model,omitempty"`
	GridParam    string  `json:"grid_param,omitempty"`
	StationParam string  `json:"station_param,omitempty"`
	IDWRadius    float64 `json:"idw_radius,omitempty"`
}

// RunAlignment executes one alignment run with the configured defaults,
// overridable per request, and returns its summary.
func (h *Handler) RunAlignment(w http.ResponseWriter, r *http.Request) {
	var req alignmentRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	opts := align.Options{
		Model:          grid.Model(h.config.Alignment.Model),
		GridParam:      h.config.Alignment.GridParam,
		StationParam:   h.config.Alignment.StationParam,
		IDWRadius:      h.config.Alignment.IDWRadius,
		ConvertEighths: h.config.Alignment.ConvertEighths,
	}
	if req.Model != "" {
		opts.Model = grid.Model(req.Model)
	}
	if req.GridParam != "" {
		opts.GridParam = req.GridParam
	}
	if req.StationParam != "" {
		opts.StationParam = req.StationParam
	}
	if req.IDWRadius > 0 {
		opts.IDWRadius = req.IDWRadius
	}

	run, err := h.combiner.Run(r.Context(), opts)
	if err != nil {
		if errors.Is(err, align.ErrNoForecasts) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("Alignment run failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "alignment run failed")
		return
	}

	// The summary travels without the full comparison table; rows are
	// served from storage on request.
	run.Rows = nil
	WriteJSON(w, http.StatusOK, run)
}

// ListAlignmentRuns returns all persisted run summaries, newest first.
func (h *Handler) ListAlignmentRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context())
	if err != nil {
		h.logger.Error("Failed to list runs", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []align.Run{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetAlignmentRunMetrics returns one run's summary and per-station metrics.
func (h *Handler) GetAlignmentRunMetrics(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}
	run, err := h.store.GetRunMetrics(r.Context(), runID)
	if err != nil {
		if errors.Is(err, sqlite.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("Failed to load run metrics", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run metrics")
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// GetAlignmentRunRows returns one run's full comparison table.
func (h *Handler) GetAlignmentRunRows(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}
	rows, err := h.store.GetRunRows(r.Context(), runID)
	if err != nil {
		h.logger.Error("Failed to load run rows", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run rows")
		return
	}
	if rows == nil {
		rows = []align.ComparisonRow{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

// GetStatus reports the ingestion state of both indices, including the
// diagnostic lists of skipped inputs.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"grid": map[string]any{
			"files":          len(h.gridIndex.Records()),
			"out_of_horizon": len(h.gridIndex.OutOfHorizon()),
			"skipped":        h.gridIndex.Skipped(),
			"geometries":     h.gridIndex.Geometries(),
		},
		"stations": map[string]any{
			"records":       len(h.stationIndex.Records()),
			"locations":     len(h.stationIndex.Locations(time.Time{})),
			"unknown_files": h.stationIndex.UnknownDataFiles(),
		},
	})
}

// HandleWebSocket upgrades the connection and attaches it to the hub.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsServer.HandleConnection(w, r)
}

func (h *Handler) runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, grid.ErrShapeMismatch), errors.Is(err, grid.ErrNoGeometry):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Grid query failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "grid query failed")
	}
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
