package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/HerbHall/fremen/pkg/analytics"
	"github.com/HerbHall/fremen/pkg/plugin"
)

// maxBodyBytes bounds POST /observations.
const maxBodyBytes = 4 << 20

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/models", Handler: m.handleListModels},
		{Method: "GET", Path: "/models/{device_id}", Handler: m.handleGetModel},
		{Method: "DELETE", Path: "/models/{device_id}", Handler: m.handleDeleteModel},
		{Method: "POST", Path: "/observations", Handler: m.handlePostObservations},
		{Method: "GET", Path: "/predict/{device_id}", Handler: m.handlePredict},
		{Method: "GET", Path: "/evaluate/{device_id}", Handler: m.handleEvaluate},
	}
}

// handleListModels returns a summary of every device model.
//
//	@Summary		List models
//	@Tags			presence
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200 {array} analytics.ModelSummary
//	@Router			/presence/models [get]
func (m *Module) handleListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.Summaries())
}

// handleGetModel returns one device model with its strongest harmonics.
//
//	@Summary		Device model
//	@Tags			presence
//	@Produce		json
//	@Security		BearerAuth
//	@Param			device_id path string true "Device ID"
//	@Param			harmonics query int false "Harmonics to list"
//	@Success		200 {object} analytics.ModelSummary
//	@Failure		404 {object} map[string]any
//	@Router			/presence/models/{device_id} [get]
func (m *Module) handleGetModel(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	n, err := intParam(r, "harmonics", m.cfg.DefaultOrder)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "harmonics must be a non-negative integer")
		return
	}
	summary, ok := m.Summary(deviceID, n)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no model for device %q", deviceID))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleDeleteModel forgets a device model and its recorded observations.
//
//	@Summary		Reset model
//	@Tags			presence
//	@Security		BearerAuth
//	@Param			device_id path string true "Device ID"
//	@Success		204
//	@Failure		404 {object} map[string]any
//	@Router			/presence/models/{device_id} [delete]
func (m *Module) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	removed, err := m.Reset(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete model")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no model for device %q", deviceID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePostObservations ingests a batch of observations for any number of
// devices.
//
//	@Summary		Ingest observations
//	@Tags			presence
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request body analytics.ObservationBatch true "Observations"
//	@Success		200 {object} analytics.IngestResult
//	@Failure		400 {object} map[string]any
//	@Router			/presence/observations [post]
func (m *Module) handlePostObservations(w http.ResponseWriter, r *http.Request) {
	var batch analytics.ObservationBatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(batch.Observations) == 0 {
		writeError(w, http.StatusBadRequest, "observations must not be empty")
		return
	}
	for i, o := range batch.Observations {
		if o.DeviceID == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("observations[%d]: device_id is required", i))
			return
		}
		if o.Timestamp.IsZero() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("observations[%d]: timestamp is required", i))
			return
		}
	}

	groups := groupByDevice(batch.Observations)
	result := analytics.IngestResult{Devices: len(groups)}
	for deviceID, obs := range groups {
		accepted, err := m.Ingest(r.Context(), deviceID, obs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to ingest observations")
			return
		}
		result.Accepted += accepted
		result.Dropped += len(obs) - accepted
	}
	writeJSON(w, http.StatusOK, result)
}

// handlePredict estimates presence over a time range.
//
//	@Summary		Predict presence
//	@Tags			presence
//	@Produce		json
//	@Security		BearerAuth
//	@Param			device_id path string true "Device ID"
//	@Param			from query string false "Start (RFC 3339 or unix seconds), default now"
//	@Param			to query string false "End (RFC 3339 or unix seconds), default from + horizon"
//	@Param			step query string false "Step duration, e.g. 15m"
//	@Param			order query int false "Harmonics to use"
//	@Param			normalize query bool false "Normalize amplitudes"
//	@Success		200 {object} analytics.PredictionSeries
//	@Failure		400 {object} map[string]any
//	@Failure		404 {object} map[string]any
//	@Router			/presence/predict/{device_id} [get]
func (m *Module) handlePredict(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")

	from, err := timeParam(r, "from", time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := timeParam(r, "to", from.Add(m.cfg.PredictionHorizon))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	step := m.cfg.PredictionStep
	if s := r.URL.Query().Get("step"); s != "" {
		if step, err = time.ParseDuration(s); err != nil || step <= 0 {
			writeError(w, http.StatusBadRequest, "step must be a positive duration")
			return
		}
	}
	order, normalize, ok := m.orderParams(w, r)
	if !ok {
		return
	}

	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not be before from")
		return
	}
	points := int64(to.Sub(from)/step) + 1
	if points > int64(m.cfg.MaxPredictionPoints) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("range yields %d points, limit is %d", points, m.cfg.MaxPredictionPoints))
		return
	}
	ts := make([]time.Time, 0, points)
	for t := from; !t.After(to); t = t.Add(step) {
		ts = append(ts, t)
	}

	preds, found := m.Predict(deviceID, ts, order, normalize)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no model for device %q", deviceID))
		return
	}
	writeJSON(w, http.StatusOK, analytics.PredictionSeries{
		DeviceID:    deviceID,
		Order:       order,
		Normalized:  normalize,
		Predictions: preds,
	})
}

// handleEvaluate scores model orders against recorded observations.
//
//	@Summary		Evaluate model
//	@Tags			presence
//	@Produce		json
//	@Security		BearerAuth
//	@Param			device_id path string true "Device ID"
//	@Param			since query string false "Earliest observation (RFC 3339 or unix seconds)"
//	@Param			order query int false "Highest order to score"
//	@Param			error_threshold query number false "Acceptable mean absolute error"
//	@Param			normalize query bool false "Normalize amplitudes"
//	@Success		200 {object} analytics.Evaluation
//	@Failure		404 {object} map[string]any
//	@Failure		503 {object} map[string]any
//	@Router			/presence/evaluate/{device_id} [get]
func (m *Module) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeError(w, http.StatusServiceUnavailable, "evaluation requires persistent storage")
		return
	}
	deviceID := r.PathValue("device_id")

	since, err := timeParam(r, "since", time.Now().Add(-m.cfg.ObservationRetention))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	threshold := m.cfg.ErrorThreshold
	if s := r.URL.Query().Get("error_threshold"); s != "" {
		if threshold, err = strconv.ParseFloat(s, 64); err != nil || math.IsNaN(threshold) {
			writeError(w, http.StatusBadRequest, "error_threshold must be a number")
			return
		}
	}
	order, normalize, ok := m.orderParams(w, r)
	if !ok {
		return
	}

	obs, err := m.store.ListObservations(r.Context(), deviceID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load observations")
		return
	}
	ev, err := m.Evaluate(deviceID, obs, order, threshold, normalize)
	switch {
	case errors.Is(err, errModelNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("no model for device %q", deviceID))
		return
	case errors.Is(err, errNoObservations):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to evaluate model")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// orderParams parses the shared order and normalize query parameters,
// writing a 400 response on failure.
func (m *Module) orderParams(w http.ResponseWriter, r *http.Request) (order int, normalize bool, ok bool) {
	order, err := intParam(r, "order", m.cfg.DefaultOrder)
	if err != nil || order < 0 {
		writeError(w, http.StatusBadRequest, "order must be a non-negative integer")
		return 0, false, false
	}
	if s := r.URL.Query().Get("normalize"); s != "" {
		if normalize, err = strconv.ParseBool(s); err != nil {
			writeError(w, http.StatusBadRequest, "normalize must be a boolean")
			return 0, false, false
		}
	}
	return order, normalize, true
}

// -- helpers --

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://github.com/HerbHall/fremen/problems/" + strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "-"),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}

func intParam(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// timeParam accepts RFC 3339 or unix seconds.
func timeParam(r *http.Request, key string, def time.Time) (time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339 or unix seconds", key)
	}
	return fromUnixSeconds(secs), nil
}
