package modelserver

import "regexp"

// ImageProgressRegex matches A1111/Forge-style progress bars, e.g.
// "|==========>    | 12/30".
var ImageProgressRegex = regexp.MustCompile(`\|[=>\s]+\|\s*(\d+)/(\d+)`)

// TextProgressRegex matches llama.cpp-style token progress lines, e.g.
// "tokens: 12/30".
var TextProgressRegex = regexp.MustCompile(`tokens:\s*(\d+)/(\d+)`)

// ProgressEvent is the payload published on generation.progress.
type ProgressEvent struct {
	JobID      string  `json:"job_id"`
	NodeID     string  `json:"node_id"`
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Phase      string  `json:"phase"`
}

// phaseFor classifies a progress line by its total step count: large
// totals correspond to a model-loading pass rather than inference, per
// spec §4.3.
func phaseFor(total int) string {
	if total > 200 {
		return "loading"
	}
	return "inference"
}
