package models

// StreamEvent is one frame on the summarize SSE stream. Exactly one of the
// optional fields is populated depending on Type.
type StreamEvent struct {
	Type       string      `json:"type"`
	Status     string      `json:"status,omitzero"`
	VideoFile  string      `json:"video_file,omitzero"`
	Transcript string      `json:"transcript,omitzero"`
	Summary    string      `json:"summary,omitzero"`
	Usage      *TokenUsage `json:"usage,omitzero"`
	Cached     bool        `json:"cached,omitzero"`
	Code       string      `json:"code,omitzero"`
	Error      string      `json:"error,omitzero"`
}

const (
	EventStatus             = "status"
	EventVideoDownloaded    = "video_downloaded"
	EventTranscriptComplete = "transcript_complete"
	EventSummaryComplete    = "summary_complete"
	EventError              = "error"
)

// StatusComplete is the terminal success frame payload.
const StatusComplete = "complete"

func StatusEvent(text string) StreamEvent {
	return StreamEvent{Type: EventStatus, Status: text}
}

func VideoDownloadedEvent(basename string) StreamEvent {
	return StreamEvent{Type: EventVideoDownloaded, VideoFile: basename}
}

func TranscriptCompleteEvent(transcript string) StreamEvent {
	return StreamEvent{Type: EventTranscriptComplete, Transcript: transcript}
}

func SummaryCompleteEvent(summary string, usage TokenUsage, cached bool) StreamEvent {
	return StreamEvent{Type: EventSummaryComplete, Summary: summary, Usage: &usage, Cached: cached}
}

func ErrorEvent(code, message string) StreamEvent {
	return StreamEvent{Type: EventError, Code: code, Error: message}
}
