package orchestrator

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewJobName returns a provider-safe job name: job-<utc timestamp>-<12 random hex chars>.
func NewJobName() string {
	return jobName(time.Now())
}

func jobName(now time.Time) string {
	id := uuid.New()
	return "job-" + now.UTC().Format("20060102150405") + "-" + hex.EncodeToString(id[:6])
}
