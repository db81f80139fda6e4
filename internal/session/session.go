// Package session sequences parsing, analysis and re-estimation into a
// per-user workflow and owns the resulting record set.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/power-budget/backend/internal/aggregate"
	"github.com/power-budget/backend/internal/analysis"
	"github.com/power-budget/backend/internal/ingestion"
	"github.com/power-budget/backend/internal/models"
	"github.com/power-budget/backend/pkg/faults"
)

type State string

const (
	StateIdle      State = "idle"
	StateParsing   State = "parsing"
	StateAnalyzing State = "analyzing"
	StateComplete  State = "complete"
	StateError     State = "error"
)

var (
	ErrBusy         = eris.New("another operation is in progress")
	ErrInvalidState = eris.New("operation not allowed in the current state")
)

// Analyzer is the part of *analysis.Analyzer a session drives.
type Analyzer interface {
	AnalyzeAll(ctx context.Context, rows []models.RawRow, req analysis.Request) (*analysis.Result, error)
	Reestimate(ctx context.Context, records []models.AnalysisRecord, indices []int, req analysis.Request) (*analysis.Result, error)
}

type Parser interface {
	Process(ctx context.Context, filename string, data []byte) (*ingestion.Document, error)
}

// RunRecorder persists audit entries. Failures are logged and ignored.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *models.AnalysisRun) error
}

type Hooks struct {
	OnTransition func(from, to State)
	OnRun        func(run models.AnalysisRun)
}

type Config struct {
	// PhaseDelay is the pause between parsing and analysis that lets
	// subscribers render the parsing state.
	PhaseDelay   time.Duration
	DefaultModel string
	Recorder     RunRecorder
	Hooks        Hooks
	Logger       *zap.Logger
}

// Credentials are supplied per operation and never stored on the session.
type Credentials struct {
	APIKey     string
	Model      string
	MaxRetries int
}

type AnalyzeInput struct {
	Credentials
	Filename string
	Data     []byte
}

type Snapshot struct {
	ID           string                  `json:"id"`
	State        State                   `json:"state"`
	Progress     string                  `json:"progress,omitempty"`
	RetryStatus  string                  `json:"retryStatus,omitempty"`
	Error        string                  `json:"error,omitempty"`
	ErrorKind    string                  `json:"errorKind,omitempty"`
	Alert        string                  `json:"alert,omitempty"`
	Reestimating bool                    `json:"reestimating"`
	Busy         bool                    `json:"busy"`
	Filename     string                  `json:"filename,omitempty"`
	Records      []models.AnalysisRecord `json:"records"`
	Report       aggregate.Report        `json:"report"`
	CreatedAt    time.Time               `json:"createdAt"`
	UpdatedAt    time.Time               `json:"updatedAt"`
}

type Session struct {
	id       string
	analyzer Analyzer
	parser   Parser
	cfg      Config
	logger   *zap.Logger

	mu           sync.RWMutex
	state        State
	records      []models.AnalysisRecord
	report       aggregate.Report
	progress     string
	retryStatus  string
	errMsg       string
	errKind      string
	alert        string
	reestimating bool
	busy         bool
	cancel       context.CancelFunc
	filename     string
	createdAt    time.Time
	updatedAt    time.Time

	events *eventHub
}

func New(id string, analyzer Analyzer, parser Parser, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	now := time.Now()
	return &Session{
		id:        id,
		analyzer:  analyzer,
		parser:    parser,
		cfg:       cfg,
		logger:    cfg.Logger.With(zap.String("session_id", id)),
		state:     StateIdle,
		createdAt: now,
		updatedAt: now,
		events:    newEventHub(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot returns a copy that stays valid after further updates.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]models.AnalysisRecord, len(s.records))
	copy(records, s.records)

	return Snapshot{
		ID:           s.id,
		State:        s.state,
		Progress:     s.progress,
		RetryStatus:  s.retryStatus,
		Error:        s.errMsg,
		ErrorKind:    s.errKind,
		Alert:        s.alert,
		Reestimating: s.reestimating,
		Busy:         s.busy,
		Filename:     s.filename,
		Records:      records,
		Report:       s.report,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
}

// Records returns the current result set. Callers must not modify it.
func (s *Session) Records() []models.AnalysisRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records
}

func (s *Session) Report() aggregate.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report
}

func (s *Session) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy
}

func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Slow subscribers miss events rather than block the session.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

// Analyze parses the upload and analyzes every row, blocking until the
// session reaches Complete or Error.
func (s *Session) Analyze(ctx context.Context, in AnalyzeInput) error {
	opCtx, err := s.beginAnalyze(ctx, in.Filename)
	if err != nil {
		return err
	}
	return s.runAnalyze(opCtx, in)
}

// StartAnalyze checks the single-flight guard synchronously and runs the
// analysis in the background.
func (s *Session) StartAnalyze(in AnalyzeInput) error {
	opCtx, err := s.beginAnalyze(context.Background(), in.Filename)
	if err != nil {
		return err
	}
	go func() { _ = s.runAnalyze(opCtx, in) }()
	return nil
}

func (s *Session) beginAnalyze(ctx context.Context, filename string) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return nil, ErrBusy
	}
	if s.state != StateIdle {
		return nil, eris.Wrapf(ErrInvalidState, "cannot analyze in state %s", s.state)
	}

	opCtx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.cancel = cancel
	s.filename = filename
	s.transitionLocked(StateParsing)
	s.progress = "Parsing file..."
	s.publishLocked(EventState)
	return opCtx, nil
}

func (s *Session) runAnalyze(ctx context.Context, in AnalyzeInput) error {
	started := time.Now()
	run := s.newRun(models.RunAnalyze, in.Credentials, started)

	doc, err := s.parser.Process(ctx, in.Filename, in.Data)
	if err != nil {
		return s.fail(ctx, run, err)
	}
	run.InputFingerprint = doc.Fingerprint
	run.InputCount = len(doc.Rows)

	if err := pause(ctx, s.cfg.PhaseDelay); err != nil {
		return s.fail(ctx, run, err)
	}

	s.update(func() {
		s.transitionLocked(StateAnalyzing)
		s.progress = "Analyzing components..."
	}, EventState)

	result, err := s.analyzer.AnalyzeAll(ctx, doc.Rows, s.request(in.Credentials))
	if result != nil {
		run.Batches = result.Batches
		run.PromptTokens = result.Usage.PromptTokens
		run.CompletionTokens = result.Usage.CompletionTokens
	}
	if err != nil {
		return s.fail(ctx, run, err)
	}
	if len(result.Records) == 0 {
		return s.fail(ctx, run, faults.EmptyResponse("the model returned no items"))
	}

	s.update(func() {
		s.records = result.Records
		s.report = aggregate.Build(s.records)
		s.transitionLocked(StateComplete)
		s.endOpLocked()
	}, EventState)

	run.RecordCount = len(result.Records)
	run.Status = models.RunSucceeded
	s.finishRun(run, started)

	s.logger.Info("Analysis complete",
		zap.Int("rows", len(doc.Rows)),
		zap.Int("records", len(result.Records)),
		zap.Int("batches", result.Batches),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// fail moves an analysis into Error, keeping the message for display.
func (s *Session) fail(ctx context.Context, run *models.AnalysisRun, err error) error {
	msg, status := describe(ctx, err, "analysis cancelled")

	s.update(func() {
		s.records = nil
		s.report = aggregate.Report{}
		s.transitionLocked(StateError)
		s.errMsg = msg
		s.errKind = string(faults.Classify(err))
		s.endOpLocked()
	}, EventState)

	run.Status = status
	run.ErrorKind = string(faults.Classify(err))
	run.ErrorMessage = msg
	s.finishRun(run, run.StartedAt)

	s.logger.Warn("Analysis failed", zap.Error(err), zap.String("kind", run.ErrorKind))
	return err
}

// Reestimate re-analyzes the records at indices. On failure the result set
// is kept and an alert is raised; the session stays Complete.
func (s *Session) Reestimate(ctx context.Context, indices []int, creds Credentials) error {
	opCtx, records, err := s.beginReestimate(ctx, indices)
	if err != nil {
		return err
	}
	return s.runReestimate(opCtx, records, indices, creds)
}

func (s *Session) ReestimateAll(ctx context.Context, creds Credentials) error {
	return s.Reestimate(ctx, s.allIndices(), creds)
}

func (s *Session) StartReestimate(indices []int, creds Credentials) error {
	opCtx, records, err := s.beginReestimate(context.Background(), indices)
	if err != nil {
		return err
	}
	go func() { _ = s.runReestimate(opCtx, records, indices, creds) }()
	return nil
}

func (s *Session) StartReestimateAll(creds Credentials) error {
	return s.StartReestimate(s.allIndices(), creds)
}

func (s *Session) allIndices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	indices := make([]int, len(s.records))
	for i := range indices {
		indices[i] = i
	}
	return indices
}

func (s *Session) beginReestimate(ctx context.Context, indices []int) (context.Context, []models.AnalysisRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return nil, nil, ErrBusy
	}
	if s.state != StateComplete {
		return nil, nil, eris.Wrapf(ErrInvalidState, "cannot re-estimate in state %s", s.state)
	}
	if len(indices) == 0 {
		return nil, nil, faults.EmptyInput("no records selected")
	}
	for _, i := range indices {
		if i < 0 || i >= len(s.records) {
			return nil, nil, eris.Wrapf(aggregate.ErrIndexOutOfRange, "index %d of %d", i, len(s.records))
		}
	}

	opCtx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.cancel = cancel
	s.reestimating = true
	s.alert = ""
	s.progress = "Re-estimating selected items..."
	s.publishLocked(EventState)
	return opCtx, s.records, nil
}

func (s *Session) runReestimate(ctx context.Context, records []models.AnalysisRecord, indices []int, creds Credentials) error {
	started := time.Now()
	run := s.newRun(models.RunReestimate, creds, started)
	run.InputCount = len(indices)

	result, err := s.analyzer.Reestimate(ctx, records, indices, s.request(creds))
	if result != nil {
		run.Batches = result.Batches
		run.PromptTokens = result.Usage.PromptTokens
		run.CompletionTokens = result.Usage.CompletionTokens
	}
	if err != nil {
		msg, status := describe(ctx, err, "re-estimation cancelled")
		s.update(func() {
			s.alert = "Re-estimation failed: " + msg
			s.reestimating = false
			s.endOpLocked()
		}, EventAlert)

		run.Status = status
		run.ErrorKind = string(faults.Classify(err))
		run.ErrorMessage = msg
		s.finishRun(run, started)
		s.logger.Warn("Re-estimation failed", zap.Error(err))
		return err
	}

	s.update(func() {
		updates := make([]models.RecordUpdate, len(result.Updates))
		for i, u := range result.Updates {
			// The ignore flag may have been toggled while the request ran.
			u.Record.IsIgnored = s.records[u.Index].IsIgnored
			updates[i] = u
		}
		s.records = aggregate.Merge(s.records, updates)
		s.report = aggregate.Build(s.records)
		s.reestimating = false
		s.endOpLocked()
	}, EventRecords)

	run.RecordCount = len(result.Updates)
	run.Status = models.RunSucceeded
	s.finishRun(run, started)

	s.logger.Info("Re-estimation complete",
		zap.Int("requested", len(indices)),
		zap.Int("updated", len(result.Updates)),
	)
	return nil
}

// ToggleIgnored flips the ignore flag of record i. It is allowed while a
// re-estimation runs.
func (s *Session) ToggleIgnored(i int) (models.AnalysisRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateComplete {
		return models.AnalysisRecord{}, eris.Wrapf(ErrInvalidState, "cannot toggle items in state %s", s.state)
	}
	records, err := aggregate.ToggleIgnored(s.records, i)
	if err != nil {
		return models.AnalysisRecord{}, err
	}
	s.records = records
	s.report = aggregate.Build(records)
	s.touchLocked()
	s.publishLocked(EventRecords)
	return records[i], nil
}

// Cancel aborts the in-flight operation, if any.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Reset returns a finished session to Idle, clearing results and messages.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return ErrBusy
	}
	if s.state == StateIdle {
		return nil
	}
	if s.state != StateComplete && s.state != StateError {
		return eris.Wrapf(ErrInvalidState, "cannot reset in state %s", s.state)
	}

	s.records = nil
	s.report = aggregate.Report{}
	s.progress = ""
	s.retryStatus = ""
	s.errMsg = ""
	s.errKind = ""
	s.alert = ""
	s.filename = ""
	s.transitionLocked(StateIdle)
	s.publishLocked(EventState)
	return nil
}

// Close cancels any running operation and ends all subscriptions.
func (s *Session) Close() {
	s.Cancel()
	s.events.close()
}

func (s *Session) request(creds Credentials) analysis.Request {
	return analysis.Request{
		APIKey:     creds.APIKey,
		Model:      creds.Model,
		MaxRetries: creds.MaxRetries,
		OnProgress: func(msg string) {
			s.update(func() { s.progress = msg }, EventProgress)
		},
		OnRetryStatus: func(msg string) {
			s.update(func() { s.retryStatus = msg }, EventProgress)
		},
	}
}

func (s *Session) newRun(kind models.RunKind, creds Credentials, started time.Time) *models.AnalysisRun {
	model := creds.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	return &models.AnalysisRun{
		ID:        uuid.NewString(),
		SessionID: s.id,
		Kind:      kind,
		Model:     model,
		StartedAt: started,
	}
}

func (s *Session) finishRun(run *models.AnalysisRun, started time.Time) {
	run.DurationMS = time.Since(started).Milliseconds()

	if s.cfg.Hooks.OnRun != nil {
		s.cfg.Hooks.OnRun(*run)
	}
	if s.cfg.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Recorder.RecordRun(ctx, run); err != nil {
		s.logger.Warn("Failed to record analysis run", zap.Error(err), zap.String("run_id", run.ID))
	}
}

// update applies fn under the lock and publishes one event.
func (s *Session) update(fn func(), typ EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	s.touchLocked()
	s.publishLocked(typ)
}

// endOpLocked clears the single-flight guard and the transient messages.
func (s *Session) endOpLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.busy = false
	s.progress = ""
	s.retryStatus = ""
}

func (s *Session) transitionLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	if to != StateError {
		s.errMsg = ""
		s.errKind = ""
	}
	if s.cfg.Hooks.OnTransition != nil {
		s.cfg.Hooks.OnTransition(from, to)
	}
	s.logger.Debug("Session state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	s.touchLocked()
}

func (s *Session) touchLocked() {
	s.updatedAt = time.Now()
}

func (s *Session) publishLocked(typ EventType) {
	s.events.publish(Event{
		Type:         typ,
		SessionID:    s.id,
		State:        s.state,
		Progress:     s.progress,
		RetryStatus:  s.retryStatus,
		Error:        s.errMsg,
		Alert:        s.alert,
		Reestimating: s.reestimating,
		Time:         s.updatedAt,
	})
}

// describe reports cancellation even when the retry loop surfaced the last
// backend error instead of the context error.
func describe(ctx context.Context, err error, cancelled string) (string, models.RunStatus) {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return cancelled, models.RunCancelled
	}
	return err.Error(), models.RunFailed
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
