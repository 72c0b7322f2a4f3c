package generation

import "github.com/gardenlens/backend/internal/models"

// Aggregate derives the job status from its areas:
// all pending is pending, any unfinished area is processing, all completed is
// completed, all failed is failed, and a finished mix is partial_failed.
func Aggregate(areas []models.AreaResult) models.JobStatus {
	var pending, running, completed, failed int
	for _, a := range areas {
		switch a.Status {
		case models.AreaPending:
			pending++
		case models.AreaProcessing:
			running++
		case models.AreaCompleted:
			completed++
		case models.AreaFailed:
			failed++
		}
	}
	switch {
	case len(areas) == 0 || pending == len(areas):
		return models.JobPending
	case pending > 0 || running > 0:
		return models.JobProcessing
	case failed == 0:
		return models.JobCompleted
	case completed == 0:
		return models.JobFailed
	default:
		return models.JobPartialFailed
	}
}
