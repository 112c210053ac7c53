package ai

import (
	"context"
	"fmt"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"google.golang.org/genai"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/utils/clientcache"
)

const filePollInterval = 2 * time.Second

// GeminiClient talks to the Gemini API. The underlying SDK client is cached
// per API key with singleflight so concurrent requests share one client.
type GeminiClient struct {
	apiKey         string
	model          string
	requestTimeout time.Duration
	clientCache    *clientcache.Cache[*genai.Client]
}

func NewGeminiClient(apiKey, model string, requestTimeout time.Duration) *GeminiClient {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if requestTimeout <= 0 {
		requestTimeout = 20 * time.Minute
	}
	return &GeminiClient{
		apiKey:         apiKey,
		model:          model,
		requestTimeout: requestTimeout,
		clientCache:    clientcache.NewCache[*genai.Client](),
	}
}

func (g *GeminiClient) client(ctx context.Context) (*genai.Client, error) {
	return g.clientCache.GetOrCreate(g.apiKey, func() (*genai.Client, error) {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		return client, nil
	})
}

// Upload pushes a local file and polls until the provider marks it ACTIVE.
func (g *GeminiClient) Upload(ctx context.Context, path string) (*RemoteFile, error) {
	client, err := g.client(ctx)
	if err != nil {
		return nil, err
	}

	file, err := client.Files.UploadFromPath(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upload media file: %w", err)
	}
	fiberlog.Debugf("uploaded %s as %s, waiting for processing", path, file.Name)

	for file.State == genai.FileStateProcessing {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(filePollInterval):
		}

		file, err = client.Files.Get(ctx, file.Name, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll uploaded file %s: %w", file.Name, err)
		}
	}
	if file.State == genai.FileStateFailed {
		return nil, fmt.Errorf("provider failed to process uploaded file %s", file.Name)
	}

	return &RemoteFile{Name: file.Name, URI: file.URI, MIMEType: file.MIMEType}, nil
}

func (g *GeminiClient) Summarize(ctx context.Context, input Input) (string, models.TokenUsage, error) {
	prompt := input.Prompt
	if prompt == "" {
		prompt = summaryPrompt(input.Focus)
	}
	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	if input.File != nil {
		parts = append(parts, genai.NewPartFromURI(input.File.URI, input.File.MIMEType))
	} else {
		parts = append(parts, genai.NewPartFromText("以下是视频的字幕/文本内容:\n"+input.Transcript))
	}
	return g.generate(ctx, parts)
}

func (g *GeminiClient) Transcribe(ctx context.Context, file *RemoteFile) (string, models.TokenUsage, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(transcriptPrompt),
		genai.NewPartFromURI(file.URI, file.MIMEType),
	}
	return g.generate(ctx, parts)
}

func (g *GeminiClient) generate(ctx context.Context, parts []*genai.Part) (string, models.TokenUsage, error) {
	client, err := g.client(ctx)
	if err != nil {
		return "", models.TokenUsage{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("generate request failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", models.TokenUsage{}, fmt.Errorf("model returned an empty response")
	}

	var usage models.TokenUsage
	if meta := resp.UsageMetadata; meta != nil {
		usage = models.TokenUsage{
			PromptTokens:     int(meta.PromptTokenCount),
			CompletionTokens: int(meta.CandidatesTokenCount),
			TotalTokens:      int(meta.TotalTokenCount),
		}
	}
	return text, usage, nil
}

// Delete removes an uploaded file from the provider.
func (g *GeminiClient) Delete(ctx context.Context, file *RemoteFile) error {
	if file == nil {
		return nil
	}

	client, err := g.client(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Files.Delete(ctx, file.Name, nil); err != nil {
		return fmt.Errorf("failed to delete remote file %s: %w", file.Name, err)
	}
	return nil
}
