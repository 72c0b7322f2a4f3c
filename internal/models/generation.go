package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the aggregate status of a generation job.
type JobStatus string

const (
	JobPending       JobStatus = "pending"
	JobProcessing    JobStatus = "processing"
	JobCompleted     JobStatus = "completed"
	JobPartialFailed JobStatus = "partial_failed"
	JobFailed        JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobPartialFailed || s == JobFailed
}

// AreaStatus is the status of one independently-failable area.
type AreaStatus string

const (
	AreaPending    AreaStatus = "pending"
	AreaProcessing AreaStatus = "processing"
	AreaCompleted  AreaStatus = "completed"
	AreaFailed     AreaStatus = "failed"
)

func (s AreaStatus) Terminal() bool {
	return s == AreaCompleted || s == AreaFailed
}

// JobKind selects the imagery product and the area parameter schema.
type JobKind string

const (
	JobKindLandscape JobKind = "landscape"
	JobKindHoliday   JobKind = "holiday"
)

type GenerationJob struct {
	ID            uuid.UUID     `json:"id"`
	OwnerID       uuid.UUID     `json:"owner_id"`
	Kind          JobKind       `json:"kind"`
	Status        JobStatus     `json:"status"`
	FundingSource FundingSource `json:"funding_source"`
	UnitsCharged  int           `json:"units_charged"`
	Refunded      bool          `json:"refunded"`
	FailureReason *string       `json:"failure_reason,omitempty"`
	Areas         []AreaResult  `json:"areas"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Area returns a pointer into j.Areas for the given id, or nil.
func (j *GenerationJob) Area(areaID string) *AreaResult {
	for i := range j.Areas {
		if j.Areas[i].AreaID == areaID {
			return &j.Areas[i]
		}
	}
	return nil
}

// HasFailedArea reports whether any area ended in failure.
func (j *GenerationJob) HasFailedArea() bool {
	for _, a := range j.Areas {
		if a.Status == AreaFailed {
			return true
		}
	}
	return false
}

type AreaResult struct {
	JobID     uuid.UUID       `json:"-"`
	AreaID    string          `json:"area_id"`
	Position  int             `json:"-"`
	Status    AreaStatus      `json:"status"`
	Params    json.RawMessage `json:"params,omitempty"`
	ResultRef *string         `json:"result_reference"`
	Error     *string         `json:"error"`
	Progress  int             `json:"progress"`
	UpdatedAt time.Time       `json:"updated_at"`
}
