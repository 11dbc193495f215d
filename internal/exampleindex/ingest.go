package exampleindex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/sqlrecall/internal/analyzer"
	"github.com/fyrsmithlabs/sqlrecall/internal/sqlast"
)

const (
	ingestChunk   = 256
	maxRecordSize = 4 * 1024 * 1024
)

// Record is one line of a JSONL corpus.
type Record struct {
	ID         string          `json:"id,omitempty"`
	DBID       string          `json:"db_id"`
	Difficulty string          `json:"difficulty,omitempty"`
	Intent     string          `json:"intent"`
	SQL        string          `json:"sql"`
	Tree       json.RawMessage `json:"tree"`
}

// IngestReport summarizes one Ingest run.
type IngestReport struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
}

// Ingester analyzes corpus records and loads them into an Index.
type Ingester struct {
	index    Index
	analyzer *analyzer.Analyzer
	logger   *zap.Logger
	workers  int
}

// NewIngester creates an Ingester.
func NewIngester(index Index, a *analyzer.Analyzer, logger *zap.Logger) (*Ingester, error) {
	if index == nil {
		return nil, errors.New("index is required")
	}
	if a == nil {
		return nil, errors.New("analyzer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{index: index, analyzer: a, logger: logger, workers: runtime.GOMAXPROCS(0)}, nil
}

type pending struct {
	line   int
	record Record
	// example is nil when the record was skipped.
	example *Example
}

// Ingest reads a JSONL corpus from r. Records that cannot be decoded or
// analyzed are skipped; an index failure aborts the run.
func (g *Ingester) Ingest(ctx context.Context, r io.Reader) (IngestReport, error) {
	var report IngestReport

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	batch := make([]pending, 0, ingestChunk)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			g.logger.Warn("skipping undecodable record", zap.Int("line", line), zap.Error(err))
			report.Skipped++
			continue
		}
		batch = append(batch, pending{line: line, record: rec})
		if len(batch) == ingestChunk {
			if err := g.flush(ctx, batch, &report); err != nil {
				return report, err
			}
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("reading corpus at line %d: %w", line+1, err)
	}
	if err := g.flush(ctx, batch, &report); err != nil {
		return report, err
	}

	g.logger.Info("corpus ingested",
		zap.Int("indexed", report.Indexed),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

// flush analyzes a batch concurrently, then upserts it in corpus order.
func (g *Ingester) flush(ctx context.Context, batch []pending, report *IngestReport) error {
	if len(batch) == 0 {
		return nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for i := range batch {
		p := &batch[i]
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			ex, err := g.toExample(p.line, p.record)
			if err != nil {
				g.logger.Warn("skipping record", zap.Int("line", p.line), zap.Error(err))
				return nil
			}
			p.example = ex
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, p := range batch {
		if p.example == nil {
			report.Skipped++
			continue
		}
		if err := g.index.Upsert(ctx, *p.example); err != nil {
			return fmt.Errorf("indexing record at line %d: %w", p.line, err)
		}
		report.Indexed++
	}
	return nil
}

func (g *Ingester) toExample(line int, rec Record) (*Example, error) {
	if rec.Intent == "" {
		return nil, fmt.Errorf("%w: intent is required", ErrInvalidExample)
	}
	tree, err := sqlast.Unmarshal(rec.Tree)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", analyzer.ErrParseInput, err)
	}
	meta, err := g.analyzer.Analyze(tree)
	if err != nil {
		return nil, err
	}
	id := rec.ID
	if id == "" {
		id = fmt.Sprintf("%s_%d", rec.DBID, line)
	}
	return &Example{
		ID:         id,
		Intent:     rec.Intent,
		SQL:        rec.SQL,
		DBID:       rec.DBID,
		Difficulty: rec.Difficulty,
		Metadata:   *meta,
	}, nil
}
