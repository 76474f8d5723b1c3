package levels

import (
	"sort"
)

// IDFormat selects how field ids render in a Summary. Builder inputs always
// use SGF ids ("S3-G7-F2"); some sensor-side callers work in the numeric
// sectionID space and convert at this boundary.
type IDFormat string

const (
	IDFormatSGF     IDFormat = "SGF"
	IDFormatNumeric IDFormat = "numeric"
)

// SummaryOptions scope and shape a Summary request.
type SummaryOptions struct {
	// FieldIDs restricts the summary to the named fields (SGF ids). Fields
	// listed here but absent from the store count as "without data". Nil
	// summarizes every field the store knows.
	FieldIDs []string
	IDFormat IDFormat
	// Aliases maps SGF ids to their numeric rendering; required when
	// IDFormat is numeric. See farm.Config.SectionAliases.
	Aliases map[string]string
}

// FieldSummary is the per-field detail row of a Summary.
type FieldSummary struct {
	ID         string  `json:"id"`
	ValueMM    float64 `json:"value_mm"`
	AgeHours   float64 `json:"age_hours"`
	Quality    Quality `json:"quality"`
	Source     Source  `json:"source"`
	Confidence float64 `json:"confidence"`
	Samples    int     `json:"samples"`
}

// Summary is a point-in-time report over the store.
type Summary struct {
	FieldsWithData    int              `json:"fields_with_data"`
	FieldsWithoutData int              `json:"fields_without_data"`
	ByQuality         map[Quality]int  `json:"by_quality"`
	BySource          map[Source]int   `json:"by_source"`
	Fields            []FieldSummary   `json:"fields"`
}

// Summarize reports field coverage, the quality and source distributions of
// latest readings, and per-field detail.
func (s *Store) Summarize(opts SummaryOptions) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids = opts.FieldIDs
	if ids == nil {
		for id := range s.histories {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	var now = s.now()
	var out = Summary{
		ByQuality: make(map[Quality]int),
		BySource:  make(map[Source]int),
	}
	for _, id := range ids {
		var h, ok = s.histories[id]
		if !ok || len(h.Readings) == 0 {
			out.FieldsWithoutData++
			continue
		}
		var latest = h.Readings[0]
		out.FieldsWithData++
		out.ByQuality[latest.Quality]++
		out.BySource[latest.Source]++

		var render = id
		if opts.IDFormat == IDFormatNumeric {
			if alias, ok := opts.Aliases[id]; ok {
				render = alias
			}
		}
		out.Fields = append(out.Fields, FieldSummary{
			ID:         render,
			ValueMM:    latest.ValueMM,
			AgeHours:   latest.AgeAt(now).Hours(),
			Quality:    latest.Quality,
			Source:     latest.Source,
			Confidence: latest.Confidence,
			Samples:    len(h.Readings),
		})
	}
	return out
}
