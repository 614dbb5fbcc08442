// Package analysis is the AI insight adapter: it turns a room's transcript
// into supportive analysis text using a hosted language model, and suggests
// new rooms from a theme. The model is an external collaborator; its
// failures are terminal for the request and never retried automatically.
package analysis

import (
	"context"

	"circles/backend/internal/models"
)

// Request is one analysis job.
type Request struct {
	RoomName   string
	Kind       models.AnalysisKind
	Transcript []string
}

// Result is the model output. Text is always set; the derived fields are
// filled only when the model returned them as structured fields.
type Result struct {
	Text        string
	Summary     string
	Insights    string
	Suggestions string
}

type Analyzer interface {
	Analyze(ctx context.Context, req Request) (Result, error)
	SuggestRoom(ctx context.Context, theme, description string) (string, error)
}
