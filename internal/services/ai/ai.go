package ai

import (
	"context"

	"github.com/vidsum/vidsum-api/internal/models"
)

// RemoteFile is a media file handle on the AI provider's side.
type RemoteFile struct {
	Name     string
	URI      string
	MIMEType string
}

// Input is one summarization request. Exactly one of File and Transcript is
// set: File for uploaded audio/video, Transcript for subtitle text. A
// non-empty Prompt replaces the focus-derived instruction wholesale.
type Input struct {
	File       *RemoteFile
	Transcript string
	Focus      string
	Prompt     string
}

// Client is the AI provider surface the orchestrator depends on.
type Client interface {
	// Upload pushes a local media file and blocks until the provider has
	// finished processing it.
	Upload(ctx context.Context, path string) (*RemoteFile, error)

	// Summarize produces a structured summary for the input.
	Summarize(ctx context.Context, input Input) (string, models.TokenUsage, error)

	// Transcribe produces a plain-text transcript of an uploaded file.
	Transcribe(ctx context.Context, file *RemoteFile) (string, models.TokenUsage, error)

	// Delete removes an uploaded file. Callers run it on every exit path.
	Delete(ctx context.Context, file *RemoteFile) error
}
