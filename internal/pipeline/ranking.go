package pipeline

import (
	"regexp"
	"strings"
)

// labelFor returns "Response A", "Response B", ... for iteration index i,
// matching the Stage1 iteration order at the moment Stage2 starts (spec §3
// Label mapping, §5 ordering guarantee).
func labelFor(i int) string {
	return "Response " + string(rune('A'+i))
}

var (
	numberedRankingRE = regexp.MustCompile(`\d+\.\s*Response\s+([A-Z])`)
	anyResponseRE     = regexp.MustCompile(`Response\s+([A-Z])`)
)

// parseRankingFromText implements the spec's lenient parser: locate the
// "FINAL RANKING:" sentinel, then prefer numbered "N. Response X" matches;
// otherwise fall back to any "Response X" occurrence. If the sentinel is
// absent entirely, the whole text is scanned, which can double-count
// references made in the evaluation prose — preserved verbatim per the
// Open Question decision in spec §9, not tightened.
func parseRankingFromText(text string) []string {
	section := text
	if idx := strings.Index(text, "FINAL RANKING:"); idx >= 0 {
		section = text[idx+len("FINAL RANKING:"):]
	}

	var labels []string
	seen := map[string]bool{}
	if matches := numberedRankingRE.FindAllStringSubmatch(section, -1); len(matches) > 0 {
		for _, m := range matches {
			l := "Response " + m[1]
			if !seen[l] {
				seen[l] = true
				labels = append(labels, l)
			}
		}
		return labels
	}
	for _, m := range anyResponseRE.FindAllStringSubmatch(section, -1) {
		l := "Response " + m[1]
		if !seen[l] {
			seen[l] = true
			labels = append(labels, l)
		}
	}
	return labels
}

// aggregateRanking computes, for each model that received at least one vote,
// average_rank = sum(position * vote_weight) / sum(vote_weight), sorted
// ascending (lower = better). Position is 1-based (spec §3 Aggregate ranking).
func aggregateRanking(stage2 []Stage2Record, labels []LabelMapping) []AggregateEntry {
	labelToModel := make(map[string]string, len(labels))
	for _, l := range labels {
		labelToModel[l.Label] = l.ModelSpec
	}

	weightedSum := map[string]float64{}
	totalWeight := map[string]float64{}
	for _, rec := range stage2 {
		for pos, label := range rec.ParsedRanking {
			weightedSum[label] += float64(pos+1) * rec.VoteWeight
			totalWeight[label] += rec.VoteWeight
		}
	}

	var out []AggregateEntry
	for label, sum := range weightedSum {
		tw := totalWeight[label]
		if tw <= 0 {
			continue
		}
		out = append(out, AggregateEntry{
			Label:       label,
			ModelSpec:   labelToModel[label],
			AverageRank: sum / tw,
			TotalWeight: tw,
		})
	}
	// stable ascending sort by average rank, ties broken by label for
	// determinism.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, b AggregateEntry) bool {
	if a.AverageRank != b.AverageRank {
		return a.AverageRank < b.AverageRank
	}
	return a.Label < b.Label
}
