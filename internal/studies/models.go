package studies

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/propsavant/demalytics/internal/analysis"
)

// CreateStudyRequest is the body of POST /studies. Geometry is GeoJSON in
// WGS84: a Feature, FeatureCollection or bare (Multi)Polygon.
type CreateStudyRequest struct {
	CustomerID        *uuid.UUID      `json:"customer_id,omitempty"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Country           string          `json:"country"`
	Type              string          `json:"type"`
	CharacteristicIDs []int64         `json:"characteristic_ids,omitempty"`
	Geometry          json.RawMessage `json:"geometry"`
}

// RunRequest is the optional body of the process and analysis routes.
type RunRequest = analysis.Options

type ConfigResponse struct {
	MapKey      string `json:"map_key"`
	DemandModel string `json:"demand_model"`
	SupplyModel string `json:"supply_model"`
	RingModel   string `json:"ring_model,omitempty"`
}

type PublishResponse struct {
	Tileset string `json:"tileset"`
	JobID   string `json:"job_id"`
	Staged  string `json:"staged,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}
