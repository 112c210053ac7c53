package summarize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/ai"
	"github.com/vidsum/vidsum-api/internal/services/auth"
	"github.com/vidsum/vidsum-api/internal/services/cache"
	"github.com/vidsum/vidsum-api/internal/services/credits"
	"github.com/vidsum/vidsum-api/internal/services/database"
	"github.com/vidsum/vidsum-api/internal/services/media"
	"github.com/vidsum/vidsum-api/internal/services/ratelimit"
	"github.com/vidsum/vidsum-api/internal/services/taskqueue"
)

type fakeVerifier struct {
	identity *auth.Identity
	err      error
}

func (f *fakeVerifier) Verify(ctx context.Context, token string) (*auth.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.identity, nil
}

type fakeFetcher struct {
	result *media.Result
	err    error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, mode string) (*media.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeAI struct {
	summary       string
	usage         models.TokenUsage
	transcript    string
	summarizeErr  error
	transcribeErr error
	uploads       int
	deletes       int
	lastInput     ai.Input
}

func (f *fakeAI) Upload(ctx context.Context, path string) (*ai.RemoteFile, error) {
	f.uploads++
	return &ai.RemoteFile{Name: "files/abc", URI: "uri://abc", MIMEType: "video/mp4"}, nil
}

func (f *fakeAI) Summarize(ctx context.Context, input ai.Input) (string, models.TokenUsage, error) {
	f.lastInput = input
	if f.summarizeErr != nil {
		return "", models.TokenUsage{}, f.summarizeErr
	}
	return f.summary, f.usage, nil
}

func (f *fakeAI) Transcribe(ctx context.Context, file *ai.RemoteFile) (string, models.TokenUsage, error) {
	if f.transcribeErr != nil {
		return "", models.TokenUsage{}, f.transcribeErr
	}
	return f.transcript, models.TokenUsage{}, nil
}

func (f *fakeAI) Delete(ctx context.Context, file *ai.RemoteFile) error {
	f.deletes++
	return nil
}

type fixture struct {
	orchestrator *Orchestrator
	ledger       *credits.LedgerService
	cache        *cache.Service
	verifier     *fakeVerifier
	fetcher      *fakeFetcher
	ai           *fakeAI
	limiter      *ratelimit.Limiter
}

func setupOrchestrator(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(models.DatabaseConfig{
		Type:         models.SQLite,
		FilePath:     ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ledger, err := credits.NewLedgerService(db, 30, 10)
	if err != nil {
		t.Fatalf("NewLedgerService() error = %v", err)
	}
	cacheSvc, err := cache.NewService(db, nil)
	if err != nil {
		t.Fatalf("cache.NewService() error = %v", err)
	}

	queue := taskqueue.New(2, 10, 1, time.Second)
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	f := &fixture{
		ledger:   ledger,
		cache:    cacheSvc,
		verifier: &fakeVerifier{identity: &auth.Identity{UserID: "user-1", Email: "u@example.com"}},
		fetcher: &fakeFetcher{result: &media.Result{
			Path:       "/tmp/BV1test.vtt",
			Type:       media.TypeSubtitle,
			VideoID:    "BV1test",
			Transcript: "line one\nline two",
		}},
		ai:      &fakeAI{summary: "the summary", usage: models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		limiter: ratelimit.New(600, 100),
	}

	f.orchestrator, err = NewOrchestrator(
		f.verifier, f.limiter, cacheSvc, ledger, queue, f.fetcher, f.ai, nil, db,
		Options{SummaryCost: 10},
	)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return f
}

func collect(t *testing.T, events <-chan models.StreamEvent) []models.StreamEvent {
	t.Helper()

	var out []models.StreamEvent
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("stream did not terminate, got %d events so far", len(out))
		}
	}
}

func findEvent(events []models.StreamEvent, eventType string) (models.StreamEvent, bool) {
	for _, ev := range events {
		if ev.Type == eventType {
			return ev, true
		}
	}
	return models.StreamEvent{}, false
}

func TestRunSubtitlePath(t *testing.T) {
	f := setupOrchestrator(t)
	f.ledger.Ensure("user-1")

	events := collect(t, f.orchestrator.Run(context.Background(), Request{
		URL: "https://b23.tv/BV1test", Mode: "smart", Focus: "default", Token: "tok",
	}))

	transcriptEv, ok := findEvent(events, models.EventTranscriptComplete)
	if !ok {
		t.Fatal("no transcript_complete event")
	}
	if transcriptEv.Transcript != "line one\nline two" {
		t.Errorf("transcript = %q", transcriptEv.Transcript)
	}

	summaryEv, ok := findEvent(events, models.EventSummaryComplete)
	if !ok {
		t.Fatal("no summary_complete event")
	}
	if summaryEv.Summary != "the summary" || summaryEv.Cached {
		t.Errorf("summary event = %+v, want fresh summary", summaryEv)
	}
	if summaryEv.Usage == nil || summaryEv.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, want total 15", summaryEv.Usage)
	}

	last := events[len(events)-1]
	if last.Type != models.EventStatus || last.Status != models.StatusComplete {
		t.Errorf("terminal event = %+v, want status complete", last)
	}

	// Subtitle path never uploads, so there is nothing to delete remotely.
	if f.ai.uploads != 0 {
		t.Errorf("uploads = %d, want 0 for subtitle path", f.ai.uploads)
	}

	// Charged 10, then the first-summary bonus of 10 lands.
	account, _ := f.ledger.Balance("user-1")
	if account.Balance != 30 {
		t.Errorf("balance = %d, want 30 (30 - 10 + 10 bonus)", account.Balance)
	}
	if account.TotalUsed != 1 {
		t.Errorf("total_used = %d, want 1", account.TotalUsed)
	}
}

func TestRunVideoPathUploadsAndCleansUp(t *testing.T) {
	f := setupOrchestrator(t)
	f.ledger.Ensure("user-1")
	f.fetcher.result = &media.Result{Path: "/tmp/BV1test.mp4", Type: media.TypeVideo, VideoID: "BV1test"}
	f.ai.transcript = "spoken words"

	events := collect(t, f.orchestrator.Run(context.Background(), Request{
		URL: "https://b23.tv/BV1test", Mode: "smart", Token: "tok",
	}))

	if _, ok := findEvent(events, models.EventVideoDownloaded); !ok {
		t.Error("no video_downloaded event")
	}
	transcriptEv, ok := findEvent(events, models.EventTranscriptComplete)
	if !ok {
		t.Fatal("no transcript_complete event from AI transcription")
	}
	if transcriptEv.Transcript != "spoken words" {
		t.Errorf("transcript = %q, want spoken words", transcriptEv.Transcript)
	}
	if f.ai.uploads != 1 {
		t.Errorf("uploads = %d, want 1", f.ai.uploads)
	}
	if f.ai.deletes != 1 {
		t.Errorf("deletes = %d, want 1 (cleanup must always run)", f.ai.deletes)
	}
}

func TestRunCacheHitChargesNothing(t *testing.T) {
	f := setupOrchestrator(t)
	f.ledger.Ensure("user-1")

	url := "https://b23.tv/BV1test"
	if err := f.cache.Put(context.Background(), url, "smart", "default", &models.CachedResult{
		Summary:    "cached summary",
		Transcript: "cached transcript",
		Usage:      models.TokenUsage{TotalTokens: 99},
	}); err != nil {
		t.Fatalf("cache Put() error = %v", err)
	}

	events := collect(t, f.orchestrator.Run(context.Background(), Request{
		URL: url, Mode: "smart", Focus: "default", Token: "tok",
	}))

	if len(events) == 0 || events[0].Type != models.EventStatus {
		t.Fatalf("first event = %+v, want a leading status frame", events)
	}

	summaryEv, ok := findEvent(events, models.EventSummaryComplete)
	if !ok {
		t.Fatal("no summary_complete event")
	}
	if !summaryEv.Cached || summaryEv.Summary != "cached summary" {
		t.Errorf("summary event = %+v, want cached result", summaryEv)
	}

	account, _ := f.ledger.Balance("user-1")
	if account.Balance != 30 {
		t.Errorf("balance = %d, want 30 (cache hits are free)", account.Balance)
	}
}

func TestRunSkipCacheBypassesHit(t *testing.T) {
	f := setupOrchestrator(t)
	f.ledger.Ensure("user-1")

	url := "https://b23.tv/BV1test"
	f.cache.Put(context.Background(), url, "smart", "default", &models.CachedResult{Summary: "stale"})

	events := collect(t, f.orchestrator.Run(context.Background(), Request{
		URL: url, Mode: "smart", Focus: "default", Token: "tok", SkipCache: true,
	}))

	summaryEv, _ := findEvent(events, models.EventSummaryComplete)
	if summaryEv.Cached || summaryEv.Summary != "the summary" {
		t.Errorf("summary event = %+v, want fresh result with skip_cache", summaryEv)
	}
}

func TestRunAuthErrors(t *testing.T) {
	f := setupOrchestrator(t)

	events := collect(t, f.orchestrator.Run(context.Background(), Request{URL: "https://b23.tv/BV1test"}))
	if ev, _ := findEvent(events, models.EventError); ev.Code != models.CodeAuthRequired {
		t.Errorf("error code = %q, want AUTH_REQUIRED", ev.Code)
	}

	f.verifier.err = errors.New("bad token")
	events = collect(t, f.orchestrator.Run(context.Background(), Request{URL: "https://b23.tv/BV1test", Token: "x"}))
	if ev, _ := findEvent(events, models.EventError); ev.Code != models.CodeAuthInvalid {
		t.Errorf("error code = %q, want AUTH_INVALID", ev.Code)
	}
}

func TestRunRateLimited(t *testing.T) {
	f := setupOrchestrator(t)
	f.limiter = ratelimit.New(60, 1)
	f.orchestrator.limiter = f.limiter
	f.ledger.Ensure("user-1")

	// Exhaust the single-token burst.
	f.limiter.TryAcquire("user-1")

	events := collect(t, f.orchestrator.Run(context.Background(), Request{
		URL: "https://b23.tv/BV1test", Token: "tok",
	}))

	ev, ok := findEvent(events, models.EventError)
	if !ok || ev.Code != models.CodeRateLimited {
		t.Errorf("error = %+v, want RATE_LIMITED", ev)
	}
}

func TestRunCreditsExceeded(t *testing.T) {
	f := setupOrchestrator(t)
	f.ledger.Ensure("user-1")

	// Drain the account below the summary cost.
	for i := 0; i < 3; i++ {
		f.ledger.Charge("user-1", 10)
	}

	events := collect(t, f.orchestrator.Run(context.Background(), Request{
		URL: "https://b23.tv/BV1test", Token: "tok",
	}))

	ev, ok := findEvent(events, models.EventError)
	if !ok || ev.Code != models.CodeCreditsExceeded {
		t.Errorf("error = %+v, want CREDITS_EXCEEDED", ev)
	}
	if _, ok := findEvent(events, models.EventSummaryComplete); ok {
		t.Error("summary_complete emitted despite exhausted credits")
	}
}

func TestRunAdminBypassesCredits(t *testing.T) {
	f := setupOrchestrator(t)
	f.orchestrator.opts.IsAdmin = func(email string) bool { return email == "u@example.com" }
	f.ledger.Ensure("user-1")
	for i := 0; i < 3; i++ {
		f.ledger.Charge("user-1", 10)
	}

	events := collect(t, f.orchestrator.Run(context.Background(), Request{
		URL: "https://b23.tv/BV1test", Token: "tok",
	}))

	if _, ok := findEvent(events, models.EventSummaryComplete); !ok {
		t.Fatal("admin run did not produce a summary")
	}
	account, _ := f.ledger.Balance("user-1")
	if account.Balance != 0 {
		t.Errorf("balance = %d, want 0 (admins are never charged)", account.Balance)
	}
}

func TestRunDownloadFailed(t *testing.T) {
	f := setupOrchestrator(t)
	f.ledger.Ensure("user-1")
	f.fetcher.err = errors.New("region locked")

	events := collect(t, f.orchestrator.Run(context.Background(), Request{
		URL: "https://b23.tv/BV1test", Token: "tok",
	}))

	ev, ok := findEvent(events, models.EventError)
	if !ok || ev.Code != models.CodeDownloadFailed {
		t.Errorf("error = %+v, want DOWNLOAD_FAILED", ev)
	}

	account, _ := f.ledger.Balance("user-1")
	if account.Balance != 30 {
		t.Errorf("balance = %d, want 30 (no charge on failure)", account.Balance)
	}
}

func TestRunSummaryFailureNoCharge(t *testing.T) {
	f := setupOrchestrator(t)
	f.ledger.Ensure("user-1")
	f.ai.summarizeErr = errors.New("model overloaded")

	events := collect(t, f.orchestrator.Run(context.Background(), Request{
		URL: "https://b23.tv/BV1test", Token: "tok",
	}))

	ev, ok := findEvent(events, models.EventError)
	if !ok || ev.Code != models.CodeSummaryFailed {
		t.Errorf("error = %+v, want SUMMARY_FAILED", ev)
	}
	account, _ := f.ledger.Balance("user-1")
	if account.Balance != 30 {
		t.Errorf("balance = %d, want 30", account.Balance)
	}
}

func TestRunTranscriptFailureDowngrades(t *testing.T) {
	f := setupOrchestrator(t)
	f.ledger.Ensure("user-1")
	f.fetcher.result = &media.Result{Path: "/tmp/BV1test.mp4", Type: media.TypeVideo, VideoID: "BV1test"}
	f.ai.transcribeErr = errors.New("audio too noisy")

	events := collect(t, f.orchestrator.Run(context.Background(), Request{
		URL: "https://b23.tv/BV1test", Token: "tok",
	}))

	// The summary still completes; the transcript failure is a note.
	if _, ok := findEvent(events, models.EventSummaryComplete); !ok {
		t.Fatal("summary_complete missing after transcript failure")
	}
	if _, ok := findEvent(events, models.EventError); ok {
		t.Error("transcript failure escalated to a stream error")
	}

	last := events[len(events)-1]
	if last.Status != models.StatusComplete {
		t.Errorf("terminal event = %+v, want status complete", last)
	}
}

func TestRunWritesCache(t *testing.T) {
	f := setupOrchestrator(t)
	f.ledger.Ensure("user-1")

	url := "https://b23.tv/BV1test"
	collect(t, f.orchestrator.Run(context.Background(), Request{URL: url, Mode: "smart", Token: "tok"}))

	cached, err := f.cache.Get(context.Background(), cache.Fingerprint(url, "smart", ""))
	if err != nil {
		t.Fatalf("cache Get() error = %v", err)
	}
	if cached == nil || cached.Summary != "the summary" {
		t.Errorf("cache entry after run = %+v, want the summary", cached)
	}
}

type fakeTemplates struct {
	prompts map[string]string
}

func (f *fakeTemplates) Prompt(ctx context.Context, userID, templateID string) (string, error) {
	prompt, ok := f.prompts[templateID]
	if !ok {
		return "", errors.New("template not found")
	}
	return prompt, nil
}

func TestRunTemplatePromptSkipsCache(t *testing.T) {
	f := setupOrchestrator(t)
	f.ledger.Ensure("user-1")
	f.orchestrator.opts.Templates = &fakeTemplates{
		prompts: map[string]string{"tmpl_1": "只列出三个要点"},
	}

	url := "https://b23.tv/BV1test"
	events := collect(t, f.orchestrator.Run(context.Background(),
		Request{URL: url, Mode: "smart", Token: "tok", TemplateID: "tmpl_1"}))

	if _, ok := findEvent(events, models.EventSummaryComplete); !ok {
		t.Fatal("expected a summary_complete event")
	}
	if f.ai.lastInput.Prompt != "只列出三个要点" {
		t.Errorf("Summarize prompt = %q, want the template text", f.ai.lastInput.Prompt)
	}

	cached, err := f.cache.Get(context.Background(), cache.Fingerprint(url, "smart", ""))
	if err != nil {
		t.Fatalf("cache Get() error = %v", err)
	}
	if cached != nil {
		t.Errorf("templated run landed in the cache: %+v", cached)
	}
}

func TestRunUnknownTemplateFallsBack(t *testing.T) {
	f := setupOrchestrator(t)
	f.ledger.Ensure("user-1")
	f.orchestrator.opts.Templates = &fakeTemplates{prompts: map[string]string{}}

	events := collect(t, f.orchestrator.Run(context.Background(),
		Request{URL: "https://b23.tv/BV1test", Mode: "smart", Token: "tok", TemplateID: "nope"}))

	if _, ok := findEvent(events, models.EventSummaryComplete); !ok {
		t.Fatal("expected a summary_complete event")
	}
	if f.ai.lastInput.Prompt != "" {
		t.Errorf("Summarize prompt = %q, want empty fallback", f.ai.lastInput.Prompt)
	}
}
