// Package app assembles the analysis pipeline from configuration. The API
// server and the CLI share it.
package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/power-budget/backend/internal/analysis"
	"github.com/power-budget/backend/internal/ingestion"
	"github.com/power-budget/backend/internal/llm"
	"github.com/power-budget/backend/internal/metrics"
	"github.com/power-budget/backend/internal/models"
	"github.com/power-budget/backend/internal/session"
	"github.com/power-budget/backend/pkg/circuitbreaker"
	"github.com/power-budget/backend/pkg/config"
)

// UsageRecorder accumulates token usage outside the process.
type UsageRecorder interface {
	IncrUsage(ctx context.Context, model string, usage models.Usage) error
}

type Options struct {
	// Metrics feeds the prometheus collectors from pipeline hooks.
	Metrics bool
	Usage   UsageRecorder
	Logger  *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func NewLLMClient(cfg config.LLMConfig, opts Options) *llm.Client {
	lc := llm.Config{
		BaseURL:           cfg.BaseURL,
		APIKey:            cfg.APIKey,
		Model:             cfg.Model,
		Temperature:       cfg.Temperature,
		MaxTokens:         cfg.MaxTokens,
		Timeout:           time.Duration(cfg.TimeoutSec) * time.Second,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Logger:            opts.logger(),
	}
	if opts.Metrics {
		lc.OnStateChange = func(name string, _, to circuitbreaker.State) {
			metrics.SetBreakerState(name, to)
		}
	}
	return llm.NewClient(lc)
}

func NewAnalyzer(cfg *config.Config, completer llm.Completer, opts Options) *analysis.Analyzer {
	log := opts.logger()
	ac := analysis.Config{
		BatchSize:           cfg.Analysis.BatchSize,
		ReestimateBatchSize: cfg.Analysis.ReestimateBatchSize,
		MaxRetries:          cfg.Analysis.MaxRetries,
		InitialBackoff:      time.Duration(cfg.Analysis.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:          time.Duration(cfg.Analysis.MaxBackoffMs) * time.Millisecond,
		Concurrency:         cfg.Analysis.Concurrency,
		EnforceDomainRules:  cfg.Analysis.EnforceDomainRules,
		MaxTokens:           cfg.LLM.MaxTokens,
		Logger:              log,
	}

	var onUsage []func(string, models.Usage)
	if opts.Metrics {
		ac.Hooks.OnRetry = metrics.RecordRetry
		ac.Hooks.OnRepair = metrics.RecordRepair
		ac.Hooks.OnBatch = metrics.ObserveBatch
		onUsage = append(onUsage, metrics.RecordUsage)
	}
	if opts.Usage != nil {
		usage := opts.Usage
		onUsage = append(onUsage, func(model string, u models.Usage) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := usage.IncrUsage(ctx, model, u); err != nil {
				log.Warn("Failed to record token usage", zap.Error(err), zap.String("model", model))
			}
		})
	}
	if len(onUsage) > 0 {
		ac.Hooks.OnUsage = func(model string, u models.Usage) {
			for _, fn := range onUsage {
				fn(model, u)
			}
		}
	}

	return analysis.New(completer, ac)
}

func NewParser(cfg *config.Config, opts Options) session.Parser {
	p := ingestion.NewProcessor(ingestion.Options{
		MaxRows: cfg.Session.MaxRows,
		Logger:  opts.logger(),
	})
	if !opts.Metrics {
		return p
	}
	return meteredParser{p}
}

type meteredParser struct {
	*ingestion.Processor
}

func (m meteredParser) Process(ctx context.Context, filename string, data []byte) (*ingestion.Document, error) {
	doc, err := m.Processor.Process(ctx, filename, data)
	if err == nil {
		metrics.RecordFile(string(doc.Format))
	}
	return doc, err
}

func SessionConfig(cfg *config.Config, defaultModel string, recorder session.RunRecorder, opts Options) session.Config {
	sc := session.Config{
		PhaseDelay:   time.Duration(cfg.Analysis.PhaseDelayMs) * time.Millisecond,
		DefaultModel: defaultModel,
		Recorder:     recorder,
		Logger:       opts.logger(),
	}
	if opts.Metrics {
		sc.Hooks.OnTransition = func(from, to session.State) {
			metrics.RecordTransition(string(from), string(to))
		}
		sc.Hooks.OnRun = metrics.RecordRun
	}
	return sc
}
