// Package tiles exports study results as GeoJSON and publishes them as Mapbox
// tilesets.
package tiles

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"

	"github.com/propsavant/demalytics/internal/geo"
	"github.com/propsavant/demalytics/internal/store"
)

// AnalysisFeatures joins analysis records to their boundaries. Records whose
// boundary is unknown are dropped.
func AnalysisFeatures(records []store.BoundaryAnalysisRecord, boundaries []store.Boundary) []*geojson.Feature {
	byID := make(map[uuid.UUID]store.Boundary, len(boundaries))
	for _, b := range boundaries {
		byID[b.ID] = b
	}
	out := make([]*geojson.Feature, 0, len(records))
	for _, r := range records {
		b, ok := byID[r.BoundaryID]
		if !ok {
			continue
		}
		out = append(out, geo.Feature(b.Geom.Geometry, map[string]any{
			"id":              b.ID.String(),
			"code":            b.Code,
			"demand":          r.Demand,
			"supply":          r.Supply,
			"residual":        r.Residual,
			"residualgraphic": r.ResidualGraphic,
		}))
	}
	return out
}

// FacilityFeatures renders facility points.
func FacilityFeatures(facilities []store.Facility) []*geojson.Feature {
	out := make([]*geojson.Feature, 0, len(facilities))
	for _, f := range facilities {
		out = append(out, geo.Feature(f.Geom.Geometry, map[string]any{
			"id":            f.ID.String(),
			"master_id":     f.MasterID,
			"store_id":      f.StoreID,
			"name":          f.Name,
			"address":       f.Address,
			"city":          f.City,
			"rentable_sqft": f.RentableSqft,
			"total_sqft":    f.TotalSqft,
			"store_type":    f.StoreType,
		}))
	}
	return out
}

// WriteNDJSON writes one feature per line, the line-delimited format tileset
// sources require.
func WriteNDJSON(w io.Writer, features []*geojson.Feature) error {
	bw := bufio.NewWriter(w)
	for i, f := range features {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("feature %d: %w", i, err)
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}
