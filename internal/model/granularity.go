package model

import "fmt"

// Granularity selects which aggregation views a run produces and uploads.
type Granularity int

const (
	GranularityDaily Granularity = iota
	GranularitySession
	GranularityBlocks
	GranularityAll
)

// ParseGranularity converts the CLI selector into a Granularity. String
// matching happens only here; everything downstream dispatches on the enum.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "daily":
		return GranularityDaily, nil
	case "session":
		return GranularitySession, nil
	case "blocks":
		return GranularityBlocks, nil
	case "all":
		return GranularityAll, nil
	}
	return 0, fmt.Errorf("unknown granularity %q (expected daily, session, blocks or all)", s)
}

func (g Granularity) String() string {
	switch g {
	case GranularityDaily:
		return "daily"
	case GranularitySession:
		return "session"
	case GranularityBlocks:
		return "blocks"
	case GranularityAll:
		return "all"
	}
	return "unknown"
}

// Expand returns the concrete granularities covered by g, with All
// expanding to the three single views.
func (g Granularity) Expand() []Granularity {
	if g == GranularityAll {
		return []Granularity{GranularityDaily, GranularitySession, GranularityBlocks}
	}
	return []Granularity{g}
}
