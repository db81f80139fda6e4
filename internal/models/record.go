package models

import (
	"net/url"
	"strings"
)

// RawRow is one spreadsheet line keyed by header name. Empty cells are
// present as empty strings.
type RawRow map[string]string

type Source string

const (
	SourceDatasheet  Source = "Datasheet"
	SourceEstimation Source = "Estimation"
	SourceFormula    Source = "Formula"
)

func (s Source) Valid() bool {
	switch s {
	case SourceDatasheet, SourceEstimation, SourceFormula:
		return true
	}
	return false
}

type Confidence string

const (
	ConfidenceHigh   Confidence = "High"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceLow    Confidence = "Low"
)

func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	}
	return false
}

// MiscellaneousFamily is the group used for records without a model family.
const MiscellaneousFamily = "Miscellaneous Parts"

// AnalysisRecord is one analyzed BOM line. Power and heat figures are per
// unit; Quantity multiplies all of them.
type AnalysisRecord struct {
	PartNumber  string `json:"partNumber"`
	Description string `json:"description"`
	ModelFamily string `json:"modelFamily"`
	Quantity    int    `json:"quantity"`
	Category    string `json:"category"`

	TypicalPowerWatts    float64 `json:"typicalPowerWatts"`
	MaxPowerWatts        float64 `json:"maxPowerWatts"`
	TypicalSource        Source  `json:"typicalSource"`
	MaxSource            Source  `json:"maxSource"`
	TypicalPowerCitation string  `json:"typicalPowerCitation,omitempty"`
	MaxPowerCitation     string  `json:"maxPowerCitation,omitempty"`

	SourceURL           string `json:"sourceUrl,omitempty"`
	SourceTitle         string `json:"sourceTitle,omitempty"`
	MatchedModelSnippet string `json:"matchedModelSnippet,omitempty"`

	HeatDissipationBTU float64 `json:"heatDissipationBTU"`
	HeatSource         Source  `json:"heatSource"`

	Confidence  Confidence `json:"confidence"`
	Notes       string     `json:"notes"`
	Methodology string     `json:"methodology"`

	IsIgnored bool `json:"isIgnored"`
}

// Family returns the grouping key, substituting MiscellaneousFamily for an
// empty model family.
func (r AnalysisRecord) Family() string {
	family := strings.TrimSpace(r.ModelFamily)
	if family == "" {
		return MiscellaneousFamily
	}
	return family
}

func (r AnalysisRecord) TotalTypicalWatts() float64 {
	return r.TypicalPowerWatts * float64(r.Quantity)
}

func (r AnalysisRecord) TotalMaxWatts() float64 {
	return r.MaxPowerWatts * float64(r.Quantity)
}

func (r AnalysisRecord) TotalBTU() float64 {
	return r.HeatDissipationBTU * float64(r.Quantity)
}

// TypicalCitation returns the citation text only when the paired source is a
// datasheet.
func (r AnalysisRecord) TypicalCitation() string {
	if r.TypicalSource != SourceDatasheet {
		return ""
	}
	return r.TypicalPowerCitation
}

func (r AnalysisRecord) MaxCitation() string {
	if r.MaxSource != SourceDatasheet {
		return ""
	}
	return r.MaxPowerCitation
}

var searchHosts = []string{
	"google.",
	"bing.com",
	"duckduckgo.com",
	"search.yahoo.com",
	"baidu.com",
	"yandex.",
	"search.brave.com",
}

// SafeSourceURL returns SourceURL unless it points at a search engine
// results page or is not an http(s) URL.
func (r AnalysisRecord) SafeSourceURL() string {
	raw := strings.TrimSpace(r.SourceURL)
	if raw == "" {
		return ""
	}
	if IsSearchURL(raw) {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return raw
}

func IsSearchURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.Path)
	query := u.Query()

	for _, h := range searchHosts {
		if !strings.Contains(host, h) {
			continue
		}
		if strings.HasPrefix(path, "/search") || path == "/url" || query.Has("q") || query.Has("query") || query.Has("p") || query.Has("wd") || query.Has("text") {
			return true
		}
	}
	return false
}

// RecordUpdate is a re-estimated record addressed by its position in the
// result set.
type RecordUpdate struct {
	Index  int            `json:"index"`
	Record AnalysisRecord `json:"record"`
}
