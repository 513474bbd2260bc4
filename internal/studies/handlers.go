package studies

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/propsavant/demalytics/internal/analysis"
	"github.com/propsavant/demalytics/internal/geo"
	"github.com/propsavant/demalytics/internal/store"
	"github.com/propsavant/demalytics/internal/tiles"
)

const maxNameLength = 30

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// statusOf maps engine and store errors to HTTP statuses.
func statusOf(err error) int {
	var (
		validation *analysis.ValidationError
		external   *analysis.ExternalServiceError
		consist    *analysis.ConsistencyError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &external):
		return http.StatusBadGateway
	case errors.As(err, &consist),
		errors.Is(err, analysis.ErrResultsNotReady),
		errors.Is(err, store.ErrStudyBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	resp := errorResponse{Error: err.Error()}
	var se *analysis.StageError
	if errors.As(err, &se) {
		resp.Stage = string(se.Stage)
	}
	if status >= http.StatusInternalServerError {
		h.log().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func (h *Handler) studyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, &analysis.ValidationError{Field: "id", Reason: "not a uuid"})
		return uuid.Nil, false
	}
	return id, true
}

// Config serves the browser map token and the default model names.
func (h *Handler) Config(w http.ResponseWriter, r *http.Request) {
	resp := ConfigResponse{MapKey: h.PublicMapKey}
	if h.Pipeline != nil {
		resp.DemandModel = h.Pipeline.Defaults.DemandModel
		resp.SupplyModel = h.Pipeline.Defaults.SupplyModel
		resp.RingModel = h.Pipeline.Defaults.RingModel
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	cs, err := h.Store.Customers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *Handler) ListCharacteristics(w http.ResponseWriter, r *http.Request) {
	cs, err := h.Store.Characteristics(r.Context(), nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *Handler) ListDemandModels(w http.ResponseWriter, r *http.Request) {
	ms, err := h.Store.DemandModels(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (h *Handler) ListSupplyModels(w http.ResponseWriter, r *http.Request) {
	ms, err := h.Store.SupplyModels(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

// CreateStudy stores a study polygon. Input is WGS84; the study is kept in the
// working reference system.
func (h *Handler) CreateStudy(w http.ResponseWriter, r *http.Request) {
	var req CreateStudyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, &analysis.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > maxNameLength {
		h.writeError(w, r, &analysis.ValidationError{Field: "name", Reason: "must be 1 to 30 characters"})
		return
	}
	if len(req.Geometry) == 0 {
		h.writeError(w, r, &analysis.ValidationError{Field: "geometry", Reason: "required"})
		return
	}
	area, err := geo.ParseGeoJSON(req.Geometry)
	if err != nil {
		h.writeError(w, r, &analysis.ValidationError{Field: "geometry", Reason: err.Error()})
		return
	}
	working, err := geo.ToMultiPolygon(geo.ToWorking(area))
	if err != nil {
		h.writeError(w, r, &analysis.ValidationError{Field: "geometry", Reason: err.Error()})
		return
	}

	customer := h.DefaultCustomer
	if req.CustomerID != nil {
		customer = *req.CustomerID
	}
	if _, err := h.Store.Customer(r.Context(), customer); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = &analysis.ValidationError{Field: "customer_id", Reason: "unknown customer"}
		}
		h.writeError(w, r, err)
		return
	}

	chars := req.CharacteristicIDs
	if len(chars) == 0 {
		chars = h.DefaultCharacteristics
	}
	known, err := h.Store.Characteristics(r.Context(), chars)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(known) != len(uniqueIDs(chars)) {
		h.writeError(w, r, &analysis.ValidationError{Field: "characteristic_ids", Reason: "unknown characteristic"})
		return
	}

	country := req.Country
	if country == "" {
		country = "CA"
	}
	st := &store.Study{
		CustomerID:        customer,
		Name:              req.Name,
		Description:       req.Description,
		Country:           country,
		Type:              req.Type,
		CharacteristicIDs: chars,
		Geom:              geo.NewShape(working),
	}
	if err := h.Store.CreateStudy(r.Context(), st); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log().Info("study created", zap.Stringer("study", st.ID), zap.String("name", st.Name))
	writeJSON(w, http.StatusCreated, st)
}

func uniqueIDs(ids []int64) map[int64]bool {
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func (h *Handler) GetStudy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.studyID(w, r)
	if !ok {
		return
	}
	st, err := h.Store.Study(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func decodeRun(r *http.Request) (analysis.Options, error) {
	var opts RunRequest
	err := json.NewDecoder(r.Body).Decode(&opts)
	if err != nil && !errors.Is(err, io.EOF) {
		return opts, &analysis.ValidationError{Field: "body", Reason: err.Error()}
	}
	return opts, nil
}

// Process runs the full pipeline for a study.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	id, ok := h.studyID(w, r)
	if !ok {
		return
	}
	opts, err := decodeRun(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.Pipeline.Run(r.Context(), id, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Analyze reruns aggregation only.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	id, ok := h.studyID(w, r)
	if !ok {
		return
	}
	opts, err := decodeRun(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.Pipeline.Analyze(r.Context(), id, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) analysisFeatures(r *http.Request, id uuid.UUID) (*store.Study, []*geojson.Feature, error) {
	st, recs, err := h.Pipeline.Results(r.Context(), id)
	if err != nil {
		return nil, nil, err
	}
	bs, err := h.Store.Boundaries(r.Context(), id)
	if err != nil {
		return nil, nil, err
	}
	return st, tiles.AnalysisFeatures(recs, bs), nil
}

// BoundariesGeoJSON serves the analysed boundaries with the largest absolute
// residual as metadata for colour scaling.
func (h *Handler) BoundariesGeoJSON(w http.ResponseWriter, r *http.Request) {
	id, ok := h.studyID(w, r)
	if !ok {
		return
	}
	st, feats, err := h.analysisFeatures(r, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var maxResidual float64
	for _, f := range feats {
		if v, ok := f.Properties["residual"].(float64); ok {
			maxResidual = math.Max(maxResidual, math.Abs(v))
		}
	}
	fc := geojson.NewFeatureCollection()
	fc.Features = feats
	fc.ExtraMembers = geojson.Properties{"metadata": map[string]any{
		"study_id":      st.ID.String(),
		"analyzed_at":   st.AnalyzedAt,
		"max_residual":  maxResidual,
		"feature_count": len(feats),
	}}
	writeGeoJSON(w, fc)
}

// StoresGeoJSON serves the facilities located in the study.
func (h *Handler) StoresGeoJSON(w http.ResponseWriter, r *http.Request) {
	id, ok := h.studyID(w, r)
	if !ok {
		return
	}
	st, err := h.Store.Study(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	fs, err := h.Store.FacilitiesWithin(r.Context(), st.Geom.MultiPolygon())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// Facilities without a size are left out of the range. With none sized
	// the range is [0, 1] so map styling never divides by zero.
	minSqft, maxSqft := math.Inf(1), 0.0
	for _, f := range fs {
		if f.RentableSqft <= 0 {
			continue
		}
		minSqft = math.Min(minSqft, f.RentableSqft)
		maxSqft = math.Max(maxSqft, f.RentableSqft)
	}
	if maxSqft == 0 {
		minSqft, maxSqft = 0, 1
	}
	fc := geojson.NewFeatureCollection()
	fc.Features = tiles.FacilityFeatures(fs)
	fc.ExtraMembers = geojson.Properties{"metadata": map[string]any{
		"min_sqft":      minSqft,
		"max_sqft":      maxSqft,
		"feature_count": len(fs),
	}}
	writeGeoJSON(w, fc)
}

func writeGeoJSON(w http.ResponseWriter, fc *geojson.FeatureCollection) {
	data, err := fc.MarshalJSON()
	if err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Write(data)
}

// TilesetID names a study's tileset.
func TilesetID(id uuid.UUID) string {
	return "study_" + strings.ReplaceAll(id.String(), "-", "")[:12]
}

// Publish exports the analysed boundaries as a tileset.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	id, ok := h.studyID(w, r)
	if !ok {
		return
	}
	if h.Exporter == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "tile publishing is not configured"})
		return
	}
	st, feats, err := h.analysisFeatures(r, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	tileset := TilesetID(st.ID)
	resp := PublishResponse{Tileset: tileset}
	if h.Stager != nil {
		var buf bytes.Buffer
		if err := tiles.WriteNDJSON(&buf, feats); err != nil {
			h.writeError(w, r, err)
			return
		}
		staged, err := h.Stager.Stage(r.Context(), tileset+".geojson.ld", buf.Bytes())
		if err != nil {
			h.writeError(w, r, &analysis.ExternalServiceError{Service: "tiles", Entity: "study:" + id.String(), Err: err})
			return
		}
		resp.Staged = staged.URL
	}

	job, err := h.Exporter.Export(r.Context(), tileset, st.Name, feats)
	if err != nil {
		h.writeError(w, r, &analysis.ExternalServiceError{Service: "tiles", Entity: "study:" + id.String(), Err: err})
		return
	}
	resp.JobID = job
	writeJSON(w, http.StatusOK, resp)
}
