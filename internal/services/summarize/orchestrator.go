package summarize

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/ai"
	"github.com/vidsum/vidsum-api/internal/services/auth"
	"github.com/vidsum/vidsum-api/internal/services/cache"
	"github.com/vidsum/vidsum-api/internal/services/credits"
	"github.com/vidsum/vidsum-api/internal/services/database"
	"github.com/vidsum/vidsum-api/internal/services/media"
	"github.com/vidsum/vidsum-api/internal/services/payment"
	"github.com/vidsum/vidsum-api/internal/services/ratelimit"
	"github.com/vidsum/vidsum-api/internal/services/taskqueue"
)

const (
	// eventBuffer bounds the stream channel so a stalled client cannot pin
	// the pipeline's memory.
	eventBuffer = 32

	// taskHeartbeat is how long a drain waits on one task before emitting
	// a keepalive status frame.
	taskHeartbeat = 300 * time.Second

	taskPollInterval = 500 * time.Millisecond
)

// Request is one summarize call.
type Request struct {
	URL        string
	Mode       string
	Focus      string
	SkipCache  bool
	Token      string
	TemplateID string
}

// TemplateResolver looks up a user's custom summary prompt. Template
// storage lives outside this service; the orchestrator only needs the
// materialized prompt text before it submits work.
type TemplateResolver interface {
	Prompt(ctx context.Context, userID, templateID string) (string, error)
}

// Options carries the orchestrator's tunables.
type Options struct {
	SummaryCost int
	MediaDir    string
	MediaMaxAge time.Duration
	IsAdmin     func(email string) bool
	Templates   TemplateResolver
}

// Orchestrator drives one summarize request end to end and reports progress
// as a stream of events.
type Orchestrator struct {
	verifier    auth.Verifier
	limiter     *ratelimit.Limiter
	cache       *cache.Service
	ledger      *credits.LedgerService
	queue       *taskqueue.Queue
	fetcher     media.Fetcher
	ai          ai.Client
	coordinator *payment.Coordinator
	db          *database.DB
	opts        Options
}

type summaryResult struct {
	Text  string
	Usage models.TokenUsage
}

func NewOrchestrator(
	verifier auth.Verifier,
	limiter *ratelimit.Limiter,
	cacheSvc *cache.Service,
	ledger *credits.LedgerService,
	queue *taskqueue.Queue,
	fetcher media.Fetcher,
	aiClient ai.Client,
	coordinator *payment.Coordinator,
	db *database.DB,
	opts Options,
) (*Orchestrator, error) {
	if err := db.AutoMigrate(&models.FailureLog{}); err != nil {
		return nil, fmt.Errorf("failed to migrate failure log: %w", err)
	}
	if opts.SummaryCost <= 0 {
		opts.SummaryCost = 10
	}
	if opts.MediaMaxAge <= 0 {
		opts.MediaMaxAge = time.Hour
	}
	if opts.IsAdmin == nil {
		opts.IsAdmin = func(string) bool { return false }
	}

	o := &Orchestrator{
		verifier:    verifier,
		limiter:     limiter,
		cache:       cacheSvc,
		ledger:      ledger,
		queue:       queue,
		fetcher:     fetcher,
		ai:          aiClient,
		coordinator: coordinator,
		db:          db,
		opts:        opts,
	}

	queue.Register(models.TaskTypeSummarize, o.runSummaryTask)
	queue.Register(models.TaskTypeTranscript, o.runTranscriptTask)
	return o, nil
}

// Run starts the pipeline and returns its event stream. The channel closes
// after the terminal frame: either status "complete" or an error event.
func (o *Orchestrator) Run(ctx context.Context, req Request) <-chan models.StreamEvent {
	events := make(chan models.StreamEvent, eventBuffer)
	go func() {
		defer close(events)
		o.run(ctx, req, events)
	}()
	return events
}

func (o *Orchestrator) run(ctx context.Context, req Request, events chan<- models.StreamEvent) {
	emit := func(ev models.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// reject ends the stream with the typed error's code, no failure log.
	reject := func(appErr *models.AppError) {
		emit(models.ErrorEvent(appErr.StreamCode(), appErr.Message))
	}
	// fail logs the failure and ends the stream. Untyped errors surface as
	// INTERNAL_ERROR.
	fail := func(userID, stage string, err error) {
		appErr := models.AsAppError(err)
		fiberlog.Errorf("summarize %s failed at %s: %v", req.URL, stage, err)
		o.logFailure(userID, stage, appErr.StreamCode(), err)
		emit(models.ErrorEvent(appErr.StreamCode(), appErr.Error()))
	}

	// Authenticate.
	if req.Token == "" {
		reject(models.NewStreamError(models.CodeAuthRequired, "authentication token is required", nil))
		return
	}
	identity, err := o.verifier.Verify(ctx, req.Token)
	if err != nil {
		reject(models.NewStreamError(models.CodeAuthInvalid, "invalid authentication token", err))
		return
	}
	userID := identity.UserID

	// Rate limit.
	if !o.limiter.TryAcquire(userID) {
		wait := o.limiter.WaitTime(userID)
		reject(models.NewStreamError(models.CodeRateLimited,
			fmt.Sprintf("rate limit exceeded, retry in %.0fs", wait.Seconds()), nil))
		return
	}

	// Resolve the prompt template before any work is submitted so the
	// workers never reach back into template storage. An unknown template
	// id falls back to the focus prompt.
	prompt := ""
	if req.TemplateID != "" && o.opts.Templates != nil {
		prompt, err = o.opts.Templates.Prompt(ctx, userID, req.TemplateID)
		if err != nil {
			fiberlog.Warnf("[%s] template %s lookup failed: %v", userID, req.TemplateID, err)
			prompt = ""
		}
	}

	// Cache. Templated output is user-shaped, so it never reads from or
	// lands in the shared cache.
	fingerprint := cache.Fingerprint(req.URL, req.Mode, req.Focus)
	if !req.SkipCache && prompt == "" {
		if cached, err := o.cache.Get(ctx, fingerprint); err != nil {
			fiberlog.Warnf("cache lookup for %s failed: %v", fingerprint, err)
		} else if cached != nil {
			fiberlog.Infof("[%s] cache hit for %s", userID, req.URL)
			emit(models.StatusEvent("Loading cached summary..."))
			if cached.Transcript != "" {
				emit(models.TranscriptCompleteEvent(cached.Transcript))
			}
			emit(models.SummaryCompleteEvent(cached.Summary, cached.Usage, true))
			emit(models.StatusEvent(models.StatusComplete))
			return
		}
	}

	// Credit pre-check. Admins and active subscribers bypass debits.
	unlimited := o.isUnlimited(identity)
	if !unlimited {
		ok, err := o.ledger.CanAfford(userID, o.opts.SummaryCost)
		if err != nil {
			fail(userID, "credits", models.NewInternalError("credit check failed", err))
			return
		}
		if !ok {
			reject(models.NewStreamError(models.CodeCreditsExceeded, "not enough credits", nil))
			return
		}
	}

	// Fetch media.
	emit(models.StatusEvent("Fetching media..."))
	fetched, err := o.fetcher.Fetch(ctx, req.URL, req.Mode)
	if err != nil {
		fail(userID, "download", models.NewStreamError(models.CodeDownloadFailed, "failed to download media", err))
		return
	}
	emit(models.VideoDownloadedEvent(filepath.Base(fetched.Path)))

	transcript := fetched.Transcript
	if transcript != "" {
		emit(models.TranscriptCompleteEvent(transcript))
	}

	// Upload when the AI needs the media itself.
	var remote *ai.RemoteFile
	if fetched.Type != media.TypeSubtitle {
		emit(models.StatusEvent("Uploading media for analysis..."))
		remote, err = o.ai.Upload(ctx, fetched.Path)
		if err != nil {
			fail(userID, "upload", models.NewStreamError(models.CodeSummaryFailed, "failed to upload media", err))
			return
		}
		// The remote file is deleted on every exit path.
		defer o.cleanup(remote)
	}

	input := ai.Input{File: remote, Focus: req.Focus, Prompt: prompt}
	if remote == nil {
		input.Transcript = transcript
	}

	// Fan out: summary always, transcription only when we have audio and no
	// subtitle transcript yet.
	emit(models.StatusEvent("AI is analyzing content..."))
	summaryID, err := o.queue.Submit(models.TaskTypeSummarize, map[string]any{"input": input})
	if err != nil {
		fail(userID, "queue", models.NewStreamError(queueErrorCode(err), "could not schedule the summary", err))
		return
	}

	transcriptID := ""
	if transcript == "" && remote != nil {
		transcriptID, err = o.queue.Submit(models.TaskTypeTranscript, map[string]any{"file": remote})
		if err != nil {
			// The summary can still succeed; note the miss and move on.
			fiberlog.Warnf("[%s] transcript task rejected: %v", userID, err)
			transcriptID = ""
		}
	}

	// Drain the summary task.
	summaryTask, err := o.awaitTask(ctx, summaryID, emit)
	if err != nil {
		fail(userID, "summary", models.NewStreamError(models.CodeSummaryFailed, "summarization failed", err))
		return
	}
	result, ok := summaryTask.Result.(summaryResult)
	if !ok {
		fail(userID, "summary", models.NewInternalError(
			fmt.Sprintf("summary task returned unexpected result type %T", summaryTask.Result), nil))
		return
	}

	// Drain the transcript task. Its failure downgrades to a status note:
	// the summary is the product, the transcript is a bonus.
	if transcriptID != "" {
		transcriptTask, err := o.awaitTask(ctx, transcriptID, emit)
		if err != nil {
			fiberlog.Warnf("[%s] transcription failed: %v", userID, err)
			o.logFailure(userID, "transcript", models.CodeTranscriptFailed, err)
			emit(models.StatusEvent("Transcript unavailable for this video"))
		} else if text, ok := transcriptTask.Result.(string); ok && text != "" {
			transcript = text
			emit(models.TranscriptCompleteEvent(transcript))
		}
	}

	// Charge before announcing success. A client that disconnected before
	// this point keeps its credits; the result still lands in the cache.
	charged := false
	if !unlimited && ctx.Err() == nil {
		if err := o.ledger.Charge(userID, o.opts.SummaryCost); err != nil {
			if errors.Is(err, credits.ErrInsufficientCredits) {
				reject(models.NewStreamError(models.CodeCreditsExceeded, "not enough credits", nil))
				return
			}
			fail(userID, "charge", models.NewInternalError("credit charge failed", err))
			return
		}
		charged = true
	}

	if prompt == "" {
		if err := o.cache.Put(ctx, req.URL, req.Mode, req.Focus, &models.CachedResult{
			Summary:    result.Text,
			Transcript: transcript,
			Usage:      result.Usage,
		}); err != nil {
			fiberlog.Warnf("cache write for %s failed: %v", fingerprint, err)
		}
	}

	emit(models.SummaryCompleteEvent(result.Text, result.Usage, false))
	emit(models.StatusEvent(models.StatusComplete))

	if charged {
		if granted, err := o.ledger.FirstSummaryBonus(userID); err != nil {
			fiberlog.Warnf("[%s] first summary bonus failed: %v", userID, err)
		} else if granted {
			fiberlog.Infof("[%s] first summary bonus granted", userID)
		}
	}

	if o.opts.MediaDir != "" {
		if _, err := media.Sweep(o.opts.MediaDir, o.opts.MediaMaxAge); err != nil {
			fiberlog.Warnf("media sweep failed: %v", err)
		}
	}
}

// awaitTask polls the queue until the task reaches a terminal state. Long
// waits produce heartbeat status frames instead of aborting.
func (o *Orchestrator) awaitTask(ctx context.Context, taskID string, emit func(models.StreamEvent) bool) (*models.Task, error) {
	lastBeat := time.Now()
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()

	for {
		task, err := o.queue.Poll(taskID)
		if err != nil {
			return nil, err
		}
		switch task.Status {
		case models.TaskCompleted:
			return &task, nil
		case models.TaskFailed:
			return nil, errors.New(task.Error)
		}

		if time.Since(lastBeat) >= taskHeartbeat {
			emit(models.StatusEvent("Still working..."))
			lastBeat = time.Now()
		}

		select {
		case <-ctx.Done():
			// Keep waiting: AI calls are not cancellable, and their result
			// is still worth caching for the retry.
			time.Sleep(taskPollInterval)
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) runSummaryTask(ctx context.Context, task *models.Task) (any, error) {
	input, ok := task.Payload["input"].(ai.Input)
	if !ok {
		return nil, fmt.Errorf("summary task has no input payload")
	}
	text, usage, err := o.ai.Summarize(ctx, input)
	if err != nil {
		return nil, err
	}
	return summaryResult{Text: text, Usage: usage}, nil
}

func (o *Orchestrator) runTranscriptTask(ctx context.Context, task *models.Task) (any, error) {
	file, ok := task.Payload["file"].(*ai.RemoteFile)
	if !ok {
		return nil, fmt.Errorf("transcript task has no file payload")
	}
	text, _, err := o.ai.Transcribe(ctx, file)
	if err != nil {
		return nil, err
	}
	return text, nil
}

func (o *Orchestrator) isUnlimited(identity *auth.Identity) bool {
	if o.opts.IsAdmin(identity.Email) {
		return true
	}
	if o.coordinator == nil {
		return false
	}
	active, err := o.coordinator.HasActivePlan(identity.UserID)
	if err != nil {
		fiberlog.Warnf("[%s] plan check failed: %v", identity.UserID, err)
		return false
	}
	return active
}

func (o *Orchestrator) cleanup(remote *ai.RemoteFile) {
	if remote == nil {
		return
	}
	// Detached from the request context so a client disconnect cannot leak
	// the remote file.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.ai.Delete(ctx, remote); err != nil {
		fiberlog.Warnf("failed to delete remote file %s: %v", remote.Name, err)
	}
}

func (o *Orchestrator) logFailure(userID, stage, code string, err error) {
	entry := models.FailureLog{
		UserID: userID,
		Code:   code,
		Stage:  stage,
		Detail: err.Error(),
	}
	if dbErr := o.db.Create(&entry).Error; dbErr != nil {
		fiberlog.Warnf("failed to record failure log: %v", dbErr)
	}
}

func queueErrorCode(err error) string {
	if errors.Is(err, taskqueue.ErrQueueFull) {
		return models.CodeRateLimited
	}
	return models.CodeInternalError
}
