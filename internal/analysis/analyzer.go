// Package analysis turns BOM rows into validated power records by way of the
// model backend, the response sanitizer and the retry orchestrator.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/power-budget/backend/internal/llm"
	"github.com/power-budget/backend/internal/models"
	"github.com/power-budget/backend/internal/sanitize"
	"github.com/power-budget/backend/pkg/faults"
	"github.com/power-budget/backend/pkg/retry"
)

// DefaultRetries selects the configured retry budget.
const DefaultRetries = -1

type Config struct {
	BatchSize           int
	ReestimateBatchSize int
	MaxRetries          int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	Concurrency         int
	EnforceDomainRules  bool
	MaxTokens           int

	// Sleep overrides the backoff wait; tests use it to run instantly.
	Sleep  func(ctx context.Context, d time.Duration) error
	Hooks  Hooks
	Logger *zap.Logger
}

// Hooks observe the analyzer for metrics and accounting. All are optional.
type Hooks struct {
	OnRetry  func(kind faults.Kind)
	OnRepair func()
	OnUsage  func(model string, usage models.Usage)
	OnBatch  func(kind models.RunKind, elapsed time.Duration, err error)
}

func DefaultConfig() Config {
	return Config{
		BatchSize:           20,
		ReestimateBatchSize: 10,
		MaxRetries:          3,
		InitialBackoff:      2 * time.Second,
		MaxBackoff:          time.Minute,
		Concurrency:         1,
		EnforceDomainRules:  true,
		MaxTokens:           8192,
	}
}

// Request carries the per-call inputs. The credential is passed through to
// the backend and never retained.
type Request struct {
	APIKey     string
	Model      string
	MaxRetries int

	// OnProgress receives phase messages such as "Analyzing batch 2 of 5".
	OnProgress func(message string)

	// OnRetryStatus receives "" before every retried attempt and a status
	// message while waiting to retry.
	OnRetryStatus func(message string)
}

type Result struct {
	Records  []models.AnalysisRecord
	Updates  []models.RecordUpdate
	Usage    models.Usage
	Batches  int
	Repaired int
}

type Analyzer struct {
	completer llm.Completer
	cfg       Config
	logger    *zap.Logger
}

func New(completer llm.Completer, cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ReestimateBatchSize <= 0 {
		cfg.ReestimateBatchSize = def.ReestimateBatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Analyzer{completer: completer, cfg: cfg, logger: cfg.Logger}
}

func (a *Analyzer) Config() Config {
	return a.cfg
}

// batchOutput is one successful batch.
type batchOutput struct {
	records  []models.AnalysisRecord
	usage    models.Usage
	repaired bool
}

// AnalyzeRows extracts records for one batch of rows. The model may return
// fewer items than rows and in any order.
func (a *Analyzer) AnalyzeRows(ctx context.Context, rows []models.RawRow, req Request) ([]models.AnalysisRecord, models.Usage, error) {
	if len(rows) == 0 {
		return nil, models.Usage{}, faults.EmptyInput("no rows to analyze")
	}
	if len(rows) > a.cfg.BatchSize {
		return nil, models.Usage{}, eris.Errorf("batch of %d rows exceeds the limit of %d", len(rows), a.cfg.BatchSize)
	}

	prompt, err := analyzePrompt(rows)
	if err != nil {
		return nil, models.Usage{}, err
	}
	out, err := a.runBatch(ctx, models.RunAnalyze, prompt, nil, req)
	if err != nil {
		return nil, out.usage, err
	}
	return out.records, out.usage, nil
}

// ReestimateBatch re-analyzes records. The i-th returned record corresponds
// to the i-th input; a short response leaves the tail unmatched.
func (a *Analyzer) ReestimateBatch(ctx context.Context, records []models.AnalysisRecord, req Request) ([]models.AnalysisRecord, models.Usage, error) {
	if len(records) == 0 {
		return nil, models.Usage{}, faults.EmptyInput("no records to re-estimate")
	}
	if len(records) > a.cfg.ReestimateBatchSize {
		return nil, models.Usage{}, eris.Errorf("batch of %d records exceeds the limit of %d", len(records), a.cfg.ReestimateBatchSize)
	}

	prompt, err := reestimatePrompt(records)
	if err != nil {
		return nil, models.Usage{}, err
	}
	out, err := a.runBatch(ctx, models.RunReestimate, prompt, records, req)
	if err != nil {
		return nil, out.usage, err
	}
	return out.records, out.usage, nil
}

// AnalyzeAll splits rows into batches and concatenates the results in batch
// order.
func (a *Analyzer) AnalyzeAll(ctx context.Context, rows []models.RawRow, req Request) (*Result, error) {
	if len(rows) == 0 {
		return nil, faults.EmptyInput("no rows to analyze")
	}

	chunks := chunk(len(rows), a.cfg.BatchSize)
	outputs := make([]batchOutput, len(chunks))

	err := a.fanOut(ctx, len(chunks), req, func(ctx context.Context, i int) error {
		span := chunks[i]
		prompt, err := analyzePrompt(rows[span[0]:span[1]])
		if err != nil {
			return err
		}
		out, err := a.runBatch(ctx, models.RunAnalyze, prompt, nil, req)
		outputs[i] = out
		return err
	})

	result := &Result{Batches: len(chunks)}
	for _, out := range outputs {
		result.Usage.Add(out.usage)
		result.Records = append(result.Records, out.records...)
		if out.repaired {
			result.Repaired++
		}
	}
	if err != nil {
		return result, err
	}
	if len(result.Records) == 0 {
		return result, faults.EmptyResponse("model returned no items")
	}
	return result, nil
}

// Reestimate re-analyzes the records at indices and returns index-addressed
// updates. Unmatched indices are omitted.
func (a *Analyzer) Reestimate(ctx context.Context, records []models.AnalysisRecord, indices []int, req Request) (*Result, error) {
	selected := make([]int, 0, len(indices))
	seen := make(map[int]bool, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(records) {
			return nil, eris.Errorf("record index %d out of range", idx)
		}
		if !seen[idx] {
			seen[idx] = true
			selected = append(selected, idx)
		}
	}
	if len(selected) == 0 {
		return nil, faults.EmptyInput("no records selected")
	}

	chunks := chunk(len(selected), a.cfg.ReestimateBatchSize)
	updates := make([][]models.RecordUpdate, len(chunks))
	outputs := make([]batchOutput, len(chunks))

	err := a.fanOut(ctx, len(chunks), req, func(ctx context.Context, i int) error {
		idx := selected[chunks[i][0]:chunks[i][1]]
		batch := make([]models.AnalysisRecord, len(idx))
		for j, k := range idx {
			batch[j] = records[k]
		}

		prompt, err := reestimatePrompt(batch)
		if err != nil {
			return err
		}
		out, err := a.runBatch(ctx, models.RunReestimate, prompt, batch, req)
		outputs[i] = out
		if err != nil {
			return err
		}
		for j, rec := range out.records {
			updates[i] = append(updates[i], models.RecordUpdate{Index: idx[j], Record: rec})
		}
		return nil
	})

	result := &Result{Batches: len(chunks)}
	for i, out := range outputs {
		result.Usage.Add(out.usage)
		result.Updates = append(result.Updates, updates[i]...)
		if out.repaired {
			result.Repaired++
		}
	}
	if err != nil {
		return result, err
	}
	return result, nil
}

func (a *Analyzer) fanOut(ctx context.Context, n int, req Request, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if req.OnProgress != nil {
				req.OnProgress(fmt.Sprintf("Analyzing batch %d of %d", i+1, n))
			}
			return fn(gctx, i)
		})
	}
	return g.Wait()
}

// runBatch wraps the model call and the sanitizer parse in one retried
// operation, so a truncated response is requested again in full. Usage from
// failed attempts is still counted.
func (a *Analyzer) runBatch(ctx context.Context, kind models.RunKind, prompt string, prev []models.AnalysisRecord, req Request) (batchOutput, error) {
	started := time.Now()
	var usage models.Usage

	maxRetries := req.MaxRetries
	if maxRetries < 0 {
		maxRetries = a.cfg.MaxRetries
	}

	rcfg := retry.Config{
		MaxRetries:   maxRetries,
		InitialDelay: a.cfg.InitialBackoff,
		MaxDelay:     a.cfg.MaxBackoff,
		Multiplier:   2.0,
		OnProgress:   req.OnRetryStatus,
		Sleep:        a.cfg.Sleep,
		Logger:       a.logger,
	}
	if a.cfg.Hooks.OnRetry != nil {
		rcfg.OnRetry = func(k faults.Kind, _ int) { a.cfg.Hooks.OnRetry(k) }
	}

	out, err := retry.DoWithResult(ctx, rcfg, func(ctx context.Context) (batchOutput, error) {
		resp, err := a.completer.Complete(ctx, llm.CompletionRequest{
			APIKey:       req.APIKey,
			Model:        req.Model,
			SystemPrompt: extractionContract,
			UserPrompt:   prompt,
			MaxTokens:    a.cfg.MaxTokens,
			JSONMode:     true,
		})
		if err != nil {
			return batchOutput{}, err
		}
		usage.Add(resp.Usage)
		if a.cfg.Hooks.OnUsage != nil {
			model := resp.Model
			if model == "" {
				model = req.Model
			}
			a.cfg.Hooks.OnUsage(model, resp.Usage)
		}

		payload, err := sanitize.Parse(resp.Content)
		if err != nil {
			a.logger.Warn("Unparseable model response",
				zap.String("kind", string(kind)),
				zap.String("finish_reason", resp.FinishReason),
				zap.Int("length", len(resp.Content)),
			)
			return batchOutput{}, err
		}
		if payload.Repaired {
			a.logger.Info("Recovered truncated model response",
				zap.String("kind", string(kind)),
				zap.Int("items", len(payload.Items)),
			)
			if a.cfg.Hooks.OnRepair != nil {
				a.cfg.Hooks.OnRepair()
			}
		}

		return batchOutput{
			records:  a.coerceAll(payload.Items, prev),
			repaired: payload.Repaired,
		}, nil
	})
	out.usage = usage

	if a.cfg.Hooks.OnBatch != nil {
		a.cfg.Hooks.OnBatch(kind, time.Since(started), err)
	}
	if err != nil {
		return out, err
	}

	a.logger.Debug("Batch analyzed",
		zap.String("kind", string(kind)),
		zap.Int("records", len(out.records)),
		zap.Int("total_tokens", usage.TotalTokens),
		zap.Duration("elapsed", time.Since(started)),
	)
	return out, nil
}

// coerceAll validates items, dropping elements that are not objects. For
// re-estimation the position in the response is the identity, so a rejected
// element ends the positional match.
func (a *Analyzer) coerceAll(items []json.RawMessage, prev []models.AnalysisRecord) []models.AnalysisRecord {
	records := make([]models.AnalysisRecord, 0, len(items))
	for i, raw := range items {
		var p *models.AnalysisRecord
		if prev != nil {
			if i >= len(prev) {
				break
			}
			p = &prev[i]
		}

		rec, err := coerceRecord(raw, p, a.cfg.EnforceDomainRules)
		if err != nil {
			a.logger.Warn("Rejected model item", zap.Int("position", i), zap.Error(err))
			if prev != nil {
				break
			}
			continue
		}
		records = append(records, rec)
	}
	return records
}

// chunk returns [start, end) spans of at most size elements.
func chunk(n, size int) [][2]int {
	var spans [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		spans = append(spans, [2]int{start, end})
	}
	return spans
}
