package jobs

import "strings"

const (
	resultPrefix   = "job-results:"
	progressPrefix = "job-progress:"
)

// ResultChannel is the pub/sub channel carrying a job's terminal message
func ResultChannel(jobID string) string {
	return resultPrefix + jobID
}

// ProgressChannel is the pub/sub channel carrying a job's progress updates
func ProgressChannel(jobID string) string {
	return progressPrefix + jobID
}

// parseChannel returns the job id and whether channel is a result channel
func parseChannel(channel string) (jobID string, result bool, ok bool) {
	if id, found := strings.CutPrefix(channel, resultPrefix); found {
		return id, true, true
	}
	if id, found := strings.CutPrefix(channel, progressPrefix); found {
		return id, false, true
	}
	return "", false, false
}
