package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/power-budget/backend/internal/aggregate"
	"github.com/power-budget/backend/internal/llm"
	"github.com/power-budget/backend/internal/models"
	"github.com/power-budget/backend/pkg/faults"
)

type fakeCompleter struct {
	mu      sync.Mutex
	calls   []llm.CompletionRequest
	respond func(call int, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	return f.respond(n, req)
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func itemsResponse(items ...map[string]any) *llm.CompletionResponse {
	data, _ := json.Marshal(map[string]any{"items": items})
	return &llm.CompletionResponse{
		Content: string(data),
		Model:   "test-model",
		Usage:   models.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestAnalyzer(fc llm.Completer, mutate ...func(*Config)) *Analyzer {
	cfg := DefaultConfig()
	cfg.Sleep = noSleep
	for _, m := range mutate {
		m(&cfg)
	}
	return New(fc, cfg)
}

func testRequest() Request {
	return Request{APIKey: "sk-test", Model: "test-model", MaxRetries: DefaultRetries}
}

func TestAnalyzeAll_SwitchAndPowerSupplyScenario(t *testing.T) {
	fc := &fakeCompleter{respond: func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return itemsResponse(
			map[string]any{
				"partNumber": "C9300-48P", "description": "Cisco C9300-48P", "modelFamily": "Cisco Catalyst 9300",
				"quantity": 2, "category": "Switch",
				"typicalPowerWatts": 150, "maxPowerWatts": 200,
				"typicalSource": "Datasheet", "maxSource": "Datasheet",
				"heatDissipationBTU": 511.8, "heatSource": "Datasheet", "confidence": "High",
			},
			map[string]any{
				"partNumber": "R740-PSU", "description": "Dell R740 PSU", "modelFamily": "Dell R740",
				"quantity": 4, "category": "Power Supply",
				"typicalPowerWatts": 0, "maxPowerWatts": 0,
				"typicalSource": "Estimation", "maxSource": "Estimation",
				"heatDissipationBTU": 0, "heatSource": "Estimation", "confidence": "High",
			},
		), nil
	}}

	rows := []models.RawRow{
		{"description": "Cisco C9300-48P", "qty": "2"},
		{"description": "Dell R740 PSU", "qty": "4"},
	}
	result, err := newTestAnalyzer(fc).AnalyzeAll(context.Background(), rows, testRequest())
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.Equal(t, 1, result.Batches)
	assert.Equal(t, 150, result.Usage.TotalTokens)

	report := aggregate.Build(result.Records)
	assert.InDelta(t, 0.4, report.Summary.TotalMaxKW, 1e-9)

	var nonZero []string
	for _, g := range report.Groups {
		if g.MaxWatts > 0 {
			nonZero = append(nonZero, g.Family)
		}
	}
	assert.Equal(t, []string{"Cisco Catalyst 9300"}, nonZero)

	call := fc.calls[0]
	assert.True(t, call.JSONMode)
	assert.Equal(t, "sk-test", call.APIKey)
	assert.Contains(t, call.UserPrompt, "Cisco C9300-48P")
	assert.Contains(t, call.SystemPrompt, `"items"`)
}

func TestAnalyzeAll_PowerSupplyZeroedWhenModelIgnoresRule(t *testing.T) {
	fc := &fakeCompleter{respond: func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return itemsResponse(map[string]any{
			"partNumber": "PWR-C1-715WAC", "quantity": 2, "category": "Power Supply",
			"typicalPowerWatts": 715, "maxPowerWatts": 715, "confidence": "Medium",
		}), nil
	}}

	result, err := newTestAnalyzer(fc).AnalyzeAll(context.Background(), []models.RawRow{{"pn": "PWR-C1-715WAC"}}, testRequest())
	require.NoError(t, err)
	r := result.Records[0]
	assert.Zero(t, r.TypicalPowerWatts)
	assert.Zero(t, r.MaxPowerWatts)
	assert.Zero(t, r.HeatDissipationBTU)
	assert.Contains(t, r.Notes, "power supply")
}

func TestAnalyzeAll_DomainRulesCanBeDisabled(t *testing.T) {
	fc := &fakeCompleter{respond: func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return itemsResponse(map[string]any{
			"partNumber": "PSU", "quantity": 1, "category": "Power Supply",
			"typicalPowerWatts": 100, "maxPowerWatts": 50, "confidence": "Medium",
		}), nil
	}}

	a := newTestAnalyzer(fc, func(c *Config) { c.EnforceDomainRules = false })
	result, err := a.AnalyzeAll(context.Background(), []models.RawRow{{"pn": "PSU"}}, testRequest())
	require.NoError(t, err)
	assert.Equal(t, 100.0, result.Records[0].TypicalPowerWatts)
	assert.Equal(t, 50.0, result.Records[0].MaxPowerWatts)
}

func TestAnalyzeAll_BatchesRowsInOrder(t *testing.T) {
	var progress []string
	fc := &fakeCompleter{respond: func(call int, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return itemsResponse(map[string]any{
			"partNumber": fmt.Sprintf("batch-%d", call), "quantity": 1,
			"typicalPowerWatts": 1, "maxPowerWatts": 1,
		}), nil
	}}

	rows := make([]models.RawRow, 45)
	for i := range rows {
		rows[i] = models.RawRow{"pn": fmt.Sprintf("row-%02d", i)}
	}

	req := testRequest()
	req.OnProgress = func(msg string) { progress = append(progress, msg) }

	result, err := newTestAnalyzer(fc).AnalyzeAll(context.Background(), rows, req)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Batches)
	assert.Equal(t, []string{"Analyzing batch 1 of 3", "Analyzing batch 2 of 3", "Analyzing batch 3 of 3"}, progress)
	require.Len(t, result.Records, 3)
	for i, r := range result.Records {
		assert.Equal(t, fmt.Sprintf("batch-%d", i+1), r.PartNumber)
	}

	assert.Contains(t, fc.calls[0].UserPrompt, "row-00")
	assert.Contains(t, fc.calls[0].UserPrompt, "row-19")
	assert.NotContains(t, fc.calls[0].UserPrompt, "row-20")
	assert.Contains(t, fc.calls[2].UserPrompt, "row-44")
	assert.Equal(t, 450, result.Usage.TotalTokens)
}

func TestAnalyzeAll_EmptyInput(t *testing.T) {
	fc := &fakeCompleter{}
	_, err := newTestAnalyzer(fc).AnalyzeAll(context.Background(), nil, testRequest())
	assert.True(t, errors.Is(err, faults.ErrEmptyInput))
	assert.Equal(t, 0, fc.callCount())
}

func TestAnalyzeRows_RejectsOversizedBatch(t *testing.T) {
	fc := &fakeCompleter{}
	rows := make([]models.RawRow, 21)
	_, _, err := newTestAnalyzer(fc).AnalyzeRows(context.Background(), rows, testRequest())
	require.Error(t, err)
	assert.Equal(t, 0, fc.callCount())
}

func TestAnalyzeRows_TruncatedResponseIsRetriedInFull(t *testing.T) {
	var statuses []string
	fc := &fakeCompleter{respond: func(call int, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if call == 1 {
			return &llm.CompletionResponse{Content: `{"items": [{"partNumber": "C9300-48P", "typicalPow`}, nil
		}
		return itemsResponse(map[string]any{"partNumber": "C9300-48P", "quantity": 1, "typicalPowerWatts": 150, "maxPowerWatts": 200}), nil
	}}

	req := testRequest()
	req.OnRetryStatus = func(msg string) { statuses = append(statuses, msg) }

	records, _, err := newTestAnalyzer(fc).AnalyzeRows(context.Background(), []models.RawRow{{"pn": "C9300-48P"}}, req)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, fc.callCount())
	assert.Equal(t, fc.calls[0].UserPrompt, fc.calls[1].UserPrompt)
	assert.Equal(t, []string{"Response parse error (attempt 1 of 4). Retrying in 2s...", ""}, statuses)
}

func TestAnalyzeRows_RecoversCompletePrefixOfTruncatedResponse(t *testing.T) {
	repairs := 0
	fc := &fakeCompleter{respond: func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			Content: `{"items": [{"partNumber": "A", "quantity": 1, "typicalPowerWatts": 10, "maxPowerWatts": 12}, {"partNumber": "B", "quan`,
		}, nil
	}}

	a := newTestAnalyzer(fc, func(c *Config) { c.Hooks.OnRepair = func() { repairs++ } })
	records, _, err := a.AnalyzeRows(context.Background(), []models.RawRow{{"pn": "A"}, {"pn": "B"}}, testRequest())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "A", records[0].PartNumber)
	assert.Equal(t, 1, repairs)
	assert.Equal(t, 1, fc.callCount())
}

func TestAnalyzeRows_RateLimitExhaustsBudget(t *testing.T) {
	rateErr := faults.RateLimited(errors.New("429 Too Many Requests"), 429)
	var retried []faults.Kind
	fc := &fakeCompleter{respond: func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, rateErr
	}}

	a := newTestAnalyzer(fc, func(c *Config) {
		c.Hooks.OnRetry = func(k faults.Kind) { retried = append(retried, k) }
	})
	req := testRequest()
	req.MaxRetries = 2

	_, _, err := a.AnalyzeRows(context.Background(), []models.RawRow{{"pn": "X"}}, req)
	require.Error(t, err)
	assert.Same(t, rateErr, err)
	assert.Equal(t, 3, fc.callCount())
	assert.Equal(t, []faults.Kind{faults.KindRateLimited, faults.KindRateLimited}, retried)
}

func TestAnalyzeRows_UnknownErrorIsNotRetried(t *testing.T) {
	fc := &fakeCompleter{respond: func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, errors.New("invalid model id")
	}}

	_, _, err := newTestAnalyzer(fc).AnalyzeRows(context.Background(), []models.RawRow{{"pn": "X"}}, testRequest())
	require.Error(t, err)
	assert.Equal(t, 1, fc.callCount())
}

func TestAnalyzeRows_MissingCredentialFailsBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := llm.NewClient(llm.Config{BaseURL: srv.URL + "/v1", Model: "m"})
	req := testRequest()
	req.APIKey = ""

	_, _, err := newTestAnalyzer(client).AnalyzeRows(context.Background(), []models.RawRow{{"pn": "X"}}, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
	assert.Equal(t, int32(0), hits.Load())
}

func TestAnalyzeAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fc := &fakeCompleter{respond: func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return itemsResponse(), nil
	}}
	_, err := newTestAnalyzer(fc).AnalyzeAll(ctx, []models.RawRow{{"pn": "X"}}, testRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, fc.callCount())
}

func TestReestimate_MergesPositionally(t *testing.T) {
	records := make([]models.AnalysisRecord, 10)
	for i := range records {
		records[i] = models.AnalysisRecord{PartNumber: fmt.Sprintf("P%d", i), Quantity: i + 1, MaxPowerWatts: 1}
	}
	records[5].IsIgnored = true

	fc := &fakeCompleter{respond: func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		// Part numbers deliberately swapped: position, not content, decides.
		return itemsResponse(
			map[string]any{"partNumber": "P5", "typicalPowerWatts": 20, "maxPowerWatts": 30},
			map[string]any{"partNumber": "P2", "typicalPowerWatts": 40, "maxPowerWatts": 50},
		), nil
	}}

	result, err := newTestAnalyzer(fc).Reestimate(context.Background(), records, []int{2, 5}, testRequest())
	require.NoError(t, err)
	require.Len(t, result.Updates, 2)

	assert.Equal(t, 2, result.Updates[0].Index)
	assert.Equal(t, 30.0, result.Updates[0].Record.MaxPowerWatts)
	assert.Equal(t, 3, result.Updates[0].Record.Quantity, "quantity falls back to the original")

	assert.Equal(t, 5, result.Updates[1].Index)
	assert.True(t, result.Updates[1].Record.IsIgnored, "ignore flag survives re-estimation")

	merged := aggregate.Merge(records, result.Updates)
	for i := range merged {
		if i != 2 && i != 5 {
			assert.Equal(t, records[i], merged[i])
		}
	}
	assert.Contains(t, fc.calls[0].UserPrompt, `"P2"`)
	assert.Contains(t, fc.calls[0].UserPrompt, `"P5"`)
	assert.NotContains(t, fc.calls[0].UserPrompt, `"P3"`)
}

func TestReestimate_ShortResponseLeavesTailUnmatched(t *testing.T) {
	records := []models.AnalysisRecord{{PartNumber: "A", Quantity: 1}, {PartNumber: "B", Quantity: 1}, {PartNumber: "C", Quantity: 1}}
	fc := &fakeCompleter{respond: func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return itemsResponse(map[string]any{"typicalPowerWatts": 5, "maxPowerWatts": 6}), nil
	}}

	result, err := newTestAnalyzer(fc).Reestimate(context.Background(), records, []int{0, 2}, testRequest())
	require.NoError(t, err)
	require.Len(t, result.Updates, 1)
	assert.Equal(t, 0, result.Updates[0].Index)
	assert.Equal(t, "A", result.Updates[0].Record.PartNumber)
}

func TestReestimate_ChunksBySmallerBatchSize(t *testing.T) {
	records := make([]models.AnalysisRecord, 25)
	for i := range records {
		records[i] = models.AnalysisRecord{PartNumber: fmt.Sprintf("P%d", i), Quantity: 1}
	}
	indices := make([]int, 25)
	for i := range indices {
		indices[i] = i
	}

	fc := &fakeCompleter{respond: func(_ int, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		n := strings.Count(req.UserPrompt, `"partNumber"`)
		items := make([]map[string]any, n)
		for i := range items {
			items[i] = map[string]any{"typicalPowerWatts": 1, "maxPowerWatts": 2}
		}
		return itemsResponse(items...), nil
	}}

	result, err := newTestAnalyzer(fc).Reestimate(context.Background(), records, indices, testRequest())
	require.NoError(t, err)
	assert.Equal(t, 3, fc.callCount())
	require.Len(t, result.Updates, 25)
	for i, u := range result.Updates {
		assert.Equal(t, i, u.Index)
		assert.Equal(t, fmt.Sprintf("P%d", i), u.Record.PartNumber)
	}
}

func TestReestimate_InvalidIndex(t *testing.T) {
	_, err := newTestAnalyzer(&fakeCompleter{}).Reestimate(context.Background(), make([]models.AnalysisRecord, 2), []int{2}, testRequest())
	require.Error(t, err)
}
