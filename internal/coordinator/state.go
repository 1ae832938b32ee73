// ABOUTME: Named lifecycle states derived from an ingestion status.
// ABOUTME: Used for logging, metrics, and the HTTP status response.

package coordinator

import "github.com/jfeddern/VulnDash/internal/types"

// State is the coarse lifecycle state of ingestion
type State string

const (
	StateIdle      State = "idle"
	StateIngesting State = "ingesting"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
)

// StateOf derives the lifecycle state from a status value
func StateOf(s types.IngestionStatus) State {
	switch {
	case s.IsIngesting:
		return StateIngesting
	case s.Error != nil:
		return StateFailed
	case s.Progress >= 100:
		return StateComplete
	default:
		return StateIdle
	}
}
