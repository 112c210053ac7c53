package api

import (
	"bufio"
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/valyala/fasthttp"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/auth"
	"github.com/vidsum/vidsum-api/internal/services/summarize"
	"github.com/vidsum/vidsum-api/internal/utils"
)

// SummarizeHandler exposes the summarize pipeline as an SSE stream.
type SummarizeHandler struct {
	orchestrator *summarize.Orchestrator
}

func NewSummarizeHandler(orchestrator *summarize.Orchestrator) *SummarizeHandler {
	return &SummarizeHandler{orchestrator: orchestrator}
}

// Stream handles GET /api/summarize. The token rides in the query string
// because EventSource cannot set headers.
func (h *SummarizeHandler) Stream(c *fiber.Ctx) error {
	req := summarize.Request{
		URL:        c.Query("url"),
		Mode:       c.Query("mode", "smart"),
		Focus:      c.Query("focus", "default"),
		SkipCache:  c.QueryBool("skip_cache"),
		Token:      auth.TokenFromRequest(c),
		TemplateID: c.Query("template_id"),
	}
	if req.URL == "" {
		return respondError(c, models.NewValidationError("url query parameter is required", nil))
	}

	fiberlog.Infof("summarize stream starting for %s", req.URL)

	fasthttpCtx := c.Context()
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	fasthttpCtx.SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		// Cancel the pipeline context on client disconnect so the
		// orchestrator can skip charging an absent caller.
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-fasthttpCtx.Done()
			cancel()
		}()

		for ev := range h.orchestrator.Run(ctx, req) {
			if err := writeStreamEvent(w, ev); err != nil {
				fiberlog.Debugf("stream write failed for %s: %v", req.URL, err)
				return
			}
		}
	}))

	return nil
}

// writeStreamEvent frames one event as "event: <type>" plus a JSON data line
// and flushes it immediately.
func writeStreamEvent(w *bufio.Writer, ev models.StreamEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	buf := utils.Get()
	defer utils.Put(buf)

	buf.WriteString("event: ")
	buf.WriteString(ev.Type)
	buf.WriteString("\ndata: ")
	buf.Write(payload)
	buf.WriteString("\n\n")

	if _, err := w.Write(buf.B); err != nil {
		return err
	}
	return w.Flush()
}
