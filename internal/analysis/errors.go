package analysis

import (
	"errors"
	"fmt"

	"github.com/propsavant/demalytics/internal/store"
)

// ErrResultsNotReady is returned by Results while a study has no completed
// aggregation pass.
var ErrResultsNotReady = errors.New("analysis results are not available")

// Stage names a pipeline step.
type Stage string

const (
	StageFacilityRings Stage = "facility_rings"
	StageUniverse      Stage = "universe"
	StageBoundaryRings Stage = "boundary_rings"
	StageValues        Stage = "census_values"
	StageDemand        Stage = "demand"
	StageAllocation    Stage = "allocation"
	StageAggregation   Stage = "aggregation"
)

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown study, model or set.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return store.ErrNotFound }

// ExternalServiceError reports a collaborator failure for one entity after
// retries were exhausted.
type ExternalServiceError struct {
	Service string
	Entity  string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Service, e.Entity, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ConsistencyError reports a unique-key violation during a rebuild. The
// rebuild is abandoned without exposing partial results.
type ConsistencyError struct {
	Table string
	Err   error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent rebuild of %s: %v", e.Table, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// StageError names the pipeline stage that failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// storeErr classifies a store failure.
func storeErr(table, kind, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return &NotFoundError{Kind: kind, Key: key}
	case errors.Is(err, store.ErrDuplicate):
		return &ConsistencyError{Table: table, Err: err}
	}
	return fmt.Errorf("%s: %w", table, err)
}

// Warning is a recoverable condition recorded during a run. Zero aggregate
// demand in an annulus is reported this way instead of as an error.
type Warning struct {
	Stage   Stage  `json:"stage"`
	Entity  string `json:"entity"`
	Ring    string `json:"ring,omitempty"`
	Message string `json:"message"`
}

// Report summarises one pipeline run.
type Report struct {
	StudyID           string    `json:"study_id"`
	BoundariesCreated int       `json:"boundaries_created"`
	FootprintsCreated int       `json:"footprints_created"`
	ValuesLoaded      int       `json:"values_loaded"`
	DemandRecords     int       `json:"demand_records"`
	DemandSkipped     int       `json:"demand_skipped"`
	Contributions     int       `json:"supply_contributions"`
	SupplyRecords     int       `json:"supply_records"`
	AnalysisRecords   int       `json:"analysis_records"`
	Warnings          []Warning `json:"warnings,omitempty"`
	EntityErrors      []string  `json:"entity_errors,omitempty"`

	entityErrs []error
}

func (r *Report) warn(ws ...Warning) {
	r.Warnings = append(r.Warnings, ws...)
}

func (r *Report) entityError(errs ...error) {
	for _, err := range errs {
		r.entityErrs = append(r.entityErrs, err)
		r.EntityErrors = append(r.EntityErrors, err.Error())
	}
}

// Errors returns the per-entity failures that did not abort the run.
func (r *Report) Errors() []error {
	return r.entityErrs
}
