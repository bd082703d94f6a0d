package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/crawler"
	"github.com/JakeFAU/source-ingest/internal/worker"
)

// Handlers routes every job kind to its pipeline stage. A nil stage is left
// unrouted.
func Handlers(orch *Orchestrator, parser *Parser, webpage *WebpageIngester, logger *zap.Logger) map[crawler.JobKind]worker.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	handlers := make(map[crawler.JobKind]worker.Handler, 3)
	if orch != nil {
		handlers[crawler.JobCrawlWebsite] = crawlHandler{orch: orch}
	}
	if parser != nil {
		handlers[crawler.JobParsePage] = parseHandler{parser: parser, logger: logger}
	}
	if webpage != nil {
		handlers[crawler.JobIngestWebpage] = webpageHandler{ingester: webpage, logger: logger}
	}
	return handlers
}

type crawlHandler struct {
	orch *Orchestrator
}

func (h crawlHandler) Handle(ctx context.Context, item crawler.QueueItem) error {
	var job crawler.CrawlJob
	if err := item.Decode(&job); err != nil {
		return err
	}
	return h.orch.Run(ctx, job)
}

type parseHandler struct {
	parser *Parser
	logger *zap.Logger
}

func (h parseHandler) Handle(ctx context.Context, item crawler.QueueItem) error {
	var job crawler.ParseJob
	if err := item.Decode(&job); err != nil {
		return err
	}
	return h.parser.Parse(ctx, job)
}

func (h parseHandler) OnExhausted(ctx context.Context, item crawler.QueueItem, cause error) {
	var job crawler.ParseJob
	if err := item.Decode(&job); err != nil {
		h.logger.Error("decode exhausted parse job", zap.String("job_id", item.ID), zap.Error(err))
		return
	}
	if err := h.parser.OnExhausted(ctx, job, cause); err != nil {
		h.logger.Error("clean up exhausted parse job", zap.String("page_id", job.PageID), zap.Error(err))
	}
}

type webpageHandler struct {
	ingester *WebpageIngester
	logger   *zap.Logger
}

func (h webpageHandler) Handle(ctx context.Context, item crawler.QueueItem) error {
	var job crawler.WebpageJob
	if err := item.Decode(&job); err != nil {
		return err
	}
	return h.ingester.Ingest(ctx, job)
}

func (h webpageHandler) OnExhausted(ctx context.Context, item crawler.QueueItem, cause error) {
	var job crawler.WebpageJob
	if err := item.Decode(&job); err != nil {
		h.logger.Error("decode exhausted webpage job", zap.String("job_id", item.ID), zap.Error(err))
		return
	}
	if err := h.ingester.OnExhausted(ctx, job, cause); err != nil {
		h.logger.Error("clean up exhausted webpage job", zap.String("source_id", job.SourceID), zap.Error(err))
	}
}
