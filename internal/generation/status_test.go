package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gardenlens/backend/internal/models"
)

func areas(statuses ...models.AreaStatus) []models.AreaResult {
	out := make([]models.AreaResult, len(statuses))
	for i, s := range statuses {
		out[i] = models.AreaResult{AreaID: string(rune('a' + i)), Status: s}
	}
	return out
}

func TestAggregate(t *testing.T) {
	const (
		p = models.AreaPending
		r = models.AreaProcessing
		c = models.AreaCompleted
		f = models.AreaFailed
	)
	tests := []struct {
		name  string
		areas []models.AreaResult
		want  models.JobStatus
	}{
		{"all pending", areas(p, p), models.JobPending},
		{"one running", areas(r, p), models.JobProcessing},
		{"one finished one pending", areas(c, p), models.JobProcessing},
		{"failed but sibling running", areas(f, r), models.JobProcessing},
		{"all completed", areas(c, c, c), models.JobCompleted},
		{"all failed", areas(f, f), models.JobFailed},
		{"mixed terminal", areas(c, f), models.JobPartialFailed},
		{"single completed", areas(c), models.JobCompleted},
		{"single failed", areas(f), models.JobFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.areas))
		})
	}
}
