package handlers

import (
	"github.com/power-budget/backend/internal/aggregate"
	"github.com/power-budget/backend/internal/models"
	"github.com/power-budget/backend/internal/session"
)

// project prepares a snapshot for clients: search-engine source URLs are
// dropped and citations only accompany datasheet sources.
func project(snap session.Snapshot) session.Snapshot {
	records := make([]models.AnalysisRecord, len(snap.Records))
	for i, r := range snap.Records {
		records[i] = projectRecord(r)
	}
	snap.Records = records

	groups := make([]aggregate.GroupedFamily, len(snap.Report.Groups))
	for i, g := range snap.Report.Groups {
		items := make([]aggregate.Member, len(g.Items))
		for j, m := range g.Items {
			items[j] = aggregate.Member{Index: m.Index, Record: projectRecord(m.Record)}
		}
		g.Items = items
		groups[i] = g
	}
	snap.Report.Groups = groups
	return snap
}

func projectRecord(r models.AnalysisRecord) models.AnalysisRecord {
	r.SourceURL = r.SafeSourceURL()
	r.TypicalPowerCitation = r.TypicalCitation()
	r.MaxPowerCitation = r.MaxCitation()
	return r
}
