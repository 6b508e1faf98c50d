// Package export renders the game aggregates to CSV and uploads them to
// the spreadsheet bucket. Jobs arrive on the Redis queue from the admin
// trigger; the worker binary runs the loop.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/streamtimeline/backend/internal/models"
	"github.com/streamtimeline/backend/pkg/queue"
)

// AggregateSource provides the ordered GameAggregate sequence.
type AggregateSource interface {
	GlobalAggregates(ctx context.Context) ([]models.GameAggregate, error)
}

// Uploader stores a rendered export file.
type Uploader interface {
	UploadExport(ctx context.Context, key string, body io.Reader) (string, error)
}

// Processor processes aggregate export jobs: query, render CSV, upload.
type Processor struct {
	source    AggregateSource
	uploader  Uploader
	queue     *queue.Queue
	keyPrefix string
	logger    *zap.Logger
}

// NewProcessor creates an export processor.
func NewProcessor(source AggregateSource, uploader Uploader, q *queue.Queue, keyPrefix string, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{source: source, uploader: uploader, queue: q, keyPrefix: keyPrefix, logger: logger}
}

// renderCSV writes the aggregate rows as game,duration_seconds,hours.
func renderCSV(aggregates []models.GameAggregate) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"game", "duration_seconds", "hours"}); err != nil {
		return nil, err
	}
	for _, a := range aggregates {
		hours := strconv.FormatFloat(float64(a.DurationSeconds)/3600, 'f', 2, 64)
		if err := w.Write([]string{a.Game, strconv.FormatInt(a.DurationSeconds, 10), hours}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Process executes one export job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeAggregateExport {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}

	aggregates, err := p.source.GlobalAggregates(ctx)
	if err != nil {
		return fmt.Errorf("load aggregates: %w", err)
	}
	body, err := renderCSV(aggregates)
	if err != nil {
		return fmt.Errorf("render csv: %w", err)
	}

	key := exportKey(p.keyPrefix, time.Now())
	url, err := p.uploader.UploadExport(ctx, key, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upload export: %w", err)
	}

	p.logger.Info("aggregate export completed",
		zap.String("job_id", job.ID),
		zap.String("key", key),
		zap.String("url", url),
		zap.Int("games", len(aggregates)))
	return nil
}

func exportKey(prefix string, at time.Time) string {
	return prefix + "/" + at.UTC().Format("2006-01-02T15-04-05Z") + ".csv"
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("export worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
