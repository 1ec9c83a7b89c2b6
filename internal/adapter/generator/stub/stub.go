// Package stub provides a deterministic stand-in for the external
// project-generation engine, used in local runs and tests.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/project-queue/internal/domain"
)

// Generator simulates project generation: it validates the payload,
// waits Delay (honoring cancellation), and returns an artifact locator.
type Generator struct {
	Delay   time.Duration
	BaseURL string
}

// New constructs a stub generator with the given simulated work time.
func New(delay time.Duration) *Generator {
	return &Generator{Delay: delay, BaseURL: "https://storage.local/projects"}
}

// Generate implements domain.Generator.
func (g *Generator) Generate(ctx context.Context, jobID string, payload json.RawMessage) (string, error) {
	if len(payload) == 0 || !json.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not a JSON document", domain.ErrNonRetryable)
	}
	if g.Delay > 0 {
		t := time.NewTimer(g.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Sprintf("%s/%s.zip", g.BaseURL, jobID), nil
}
