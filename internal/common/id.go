package common

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var jobIDPattern = regexp.MustCompile(`^job_(\d+)_([0-9a-f]+)$`)

// NewJobID generates a collision-resistant job ID.
// Format: job_<unix-millis>_<16 hex chars of a random uuid>
func NewJobID() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	return fmt.Sprintf("job_%d_%s", time.Now().UnixMilli(), suffix)
}

// ParseJobID extracts the creation time and random suffix of a job ID
func ParseJobID(id string) (time.Time, string, bool) {
	m := jobIDPattern.FindStringSubmatch(id)
	if m == nil {
		return time.Time{}, "", false
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.UnixMilli(ms), m[2], true
}
