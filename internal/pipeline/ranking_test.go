package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRankingFromText_NumberedSentinel(t *testing.T) {
	text := "Response A is thorough but Response B is more concise.\n\n" +
		"FINAL RANKING:\n1. Response B\n2. Response A\n"
	got := parseRankingFromText(text)
	assert.Equal(t, []string{"Response B", "Response A"}, got)
}

func TestParseRankingFromText_FallsBackToAnyResponseToken(t *testing.T) {
	text := "FINAL RANKING:\nResponse C, then Response A, then Response B."
	got := parseRankingFromText(text)
	assert.Equal(t, []string{"Response C", "Response A", "Response B"}, got)
}

func TestParseRankingFromText_NoSentinelScansWholeTextAndCanDoubleReference(t *testing.T) {
	// Documents the preserved lenient behavior (spec §9 Open Question
	// decision): without "FINAL RANKING:", every Response mention in the
	// prose counts, including ones made only to praise or critique a peer.
	text := "I think Response A makes a fair point, but overall Response B is " +
		"stronger than Response A on evidence."
	got := parseRankingFromText(text)
	assert.Equal(t, []string{"Response A", "Response B"}, got)
}

func TestAggregateRanking_WeightedExample(t *testing.T) {
	// Spec §8 scenario 1: a1 weight 1.0/seniority 0 -> vote weight 1.0;
	// a2 weight 2.0/seniority 10 -> vote weight 4.0. a1 votes A,B; a2 votes B,A.
	labels := []LabelMapping{
		{Label: "Response A", ModelSpec: "openrouter:model-a"},
		{Label: "Response B", ModelSpec: "openrouter:model-b"},
	}
	stage2 := []Stage2Record{
		{AgentID: "a1", ParsedRanking: []string{"Response A", "Response B"}, VoteWeight: 1.0},
		{AgentID: "a2", ParsedRanking: []string{"Response B", "Response A"}, VoteWeight: 4.0},
	}
	agg := aggregateRanking(stage2, labels)
	require.Len(t, agg, 2)
	byLabel := map[string]AggregateEntry{}
	for _, e := range agg {
		byLabel[e.Label] = e
	}
	assert.InDelta(t, 1.8, byLabel["Response A"].AverageRank, 1e-9)
	assert.InDelta(t, 1.2, byLabel["Response B"].AverageRank, 1e-9)
	// B ranks better (lower average_rank) and must sort first.
	assert.Equal(t, "Response B", agg[0].Label)
	assert.Equal(t, "Response A", agg[1].Label)
}

func TestAggregateRanking_MonotoneWhenEveryVoterAgrees(t *testing.T) {
	labels := []LabelMapping{
		{Label: "Response A", ModelSpec: "m-a"},
		{Label: "Response B", ModelSpec: "m-b"},
	}
	stage2 := []Stage2Record{
		{ParsedRanking: []string{"Response A", "Response B"}, VoteWeight: 1},
		{ParsedRanking: []string{"Response A", "Response B"}, VoteWeight: 3},
		{ParsedRanking: []string{"Response A", "Response B"}, VoteWeight: 0.5},
	}
	agg := aggregateRanking(stage2, labels)
	byLabel := map[string]float64{}
	for _, e := range agg {
		byLabel[e.Label] = e.AverageRank
	}
	assert.Less(t, byLabel["Response A"], byLabel["Response B"])
}

func TestAggregateRanking_SkipsLabelsWithNoVotes(t *testing.T) {
	labels := []LabelMapping{{Label: "Response A", ModelSpec: "m-a"}, {Label: "Response B", ModelSpec: "m-b"}}
	stage2 := []Stage2Record{{ParsedRanking: []string{"Response A"}, VoteWeight: 1}}
	agg := aggregateRanking(stage2, labels)
	require.Len(t, agg, 1)
	assert.Equal(t, "Response A", agg[0].Label)
}

func TestLabelFor_SequentialAlphabet(t *testing.T) {
	assert.Equal(t, "Response A", labelFor(0))
	assert.Equal(t, "Response C", labelFor(2))
}
