// Package ratings is the boundary to the external rating engine. Room commits
// hand it a Request; the calculation itself runs elsewhere and never blocks a room.
package ratings

import (
	"context"
	"errors"
	"time"
)

// ErrCalculationFailed wraps any failure reported by a Calculator.
var ErrCalculationFailed = errors.New("ratings: calculation failed")

// EntrantResult is one entrant's outcome as seen by the rating engine.
type EntrantResult struct {
	ActorID          string `json:"actor_id"`
	Status           string `json:"status"`
	Place            int    `json:"place,omitempty"`
	FinishTimeMillis int64  `json:"finish_time_ms,omitempty"`
}

// Request asks for ratings of one room to be recomputed.
type Request struct {
	Category    string          `json:"category"`
	Room        string          `json:"room"`
	Goal        string          `json:"goal"`
	Reason      string          `json:"reason"`
	Version     int64           `json:"version"`
	Results     []EntrantResult `json:"results"`
	RequestedAt time.Time       `json:"requested_at"`
}

// Calculator recomputes ratings for a request.
type Calculator interface {
	Recalculate(ctx context.Context, request Request) error
}
