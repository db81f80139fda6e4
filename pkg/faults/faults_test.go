package faults

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestClassify_ExplicitKindSurvivesWrapping(t *testing.T) {
	err := eris.Wrap(RateLimited(errors.New("429"), 429), "batch 1")
	assert.Equal(t, KindRateLimited, Classify(err))
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.False(t, errors.Is(err, ErrNetwork))
}

func TestClassify_Heuristics(t *testing.T) {
	var syntaxErr error
	var v map[string]any
	syntaxErr = json.Unmarshal([]byte(`{"items": [`), &v)

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"rate limit message", errors.New("Rate limit reached for requests"), KindRateLimited},
		{"too many requests", errors.New("error, status code: 429, message: Too Many Requests"), KindRateLimited},
		{"json syntax", syntaxErr, KindMalformedResponse},
		{"wrapped json syntax", fmt.Errorf("decode: %w", &json.SyntaxError{}), KindMalformedResponse},
		{"connection reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), KindNetwork},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example"}, KindNetwork},
		{"string pattern", errors.New("read: connection refused"), KindNetwork},
		{"permanent", errors.New("invalid api key"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	assert.Equal(t, Kind(""), Classify(nil))
}

func TestKind_Retryable(t *testing.T) {
	assert.True(t, KindRateLimited.Retryable())
	assert.True(t, KindMalformedResponse.Retryable())
	assert.True(t, KindEmptyResponse.Retryable())
	assert.True(t, KindNetwork.Retryable())
	assert.False(t, KindConfiguration.Retryable())
	assert.False(t, KindEmptyInput.Retryable())
	assert.False(t, KindUnknown.Retryable())
}

func TestMalformed_CarriesDiagnostics(t *testing.T) {
	err := Malformed(errors.New("bad"), "raw text", "cleaned text")
	assert.Equal(t, "raw text", err.Details["raw"])
	assert.Equal(t, "cleaned text", err.Details["cleaned"])
	assert.Equal(t, "malformed model response: bad", err.Error())
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}
