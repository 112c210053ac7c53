package media

import "context"

// Type classifies what a fetch produced.
type Type string

const (
	TypeSubtitle Type = "subtitle"
	TypeAudio    Type = "audio"
	TypeVideo    Type = "video"
)

// Result is one fetched media artifact on local disk. Transcript is filled
// when subtitles were available, even if Path points at a video file.
type Result struct {
	Path       string
	Type       Type
	VideoID    string
	Transcript string
}

// Fetcher retrieves a video's media for analysis. Mode "smart" stops at
// subtitles when they exist; mode "video" always fetches the video file.
type Fetcher interface {
	Fetch(ctx context.Context, url, mode string) (*Result, error)
}
