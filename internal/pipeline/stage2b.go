package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"council/internal/jsonutil"
	"council/internal/llm"
	"council/internal/store"
)

// runRoundtable runs up to conv.RoundtableRounds rounds (spec caps at 3) of
// serious-mode discussion; each round every agent replies in parallel,
// addressing at least one named peer (spec §4.5.4 Roundtable).
func (p *Pipeline) runRoundtable(ctx context.Context, conv *store.Conversation, agents []store.Agent, stage1 []Stage1Record) []RoundtableMessage {
	rounds := conv.RoundtableRounds
	if rounds > 3 {
		rounds = 3
	}
	if rounds <= 0 {
		return nil
	}

	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}

	var transcript []RoundtableMessage
	for round := 1; round <= rounds; round++ {
		prior := renderRoundtable(transcript)
		results := make([]*RoundtableMessage, len(agents))
		var wg sync.WaitGroup
		for i, a := range agents {
			wg.Add(1)
			go func(i int, a store.Agent) {
				defer wg.Done()
				prompt := fmt.Sprintf(
					"Roundtable round %d. Peers: %s. Reply with 150-450 characters, "+
						"address at least one named peer, and cite a URL or KB[doc_id] where possible.\n\n"+
						"Discussion so far:\n%s", round, strings.Join(names, ", "), prior)
				msgs := []llm.Message{
					{Role: "system", Content: a.Persona},
					{Role: "user", Content: prompt},
				}
				res, ok := p.deps.Gateway.ChatOrNil(ctx, a.ModelSpec, msgs, stage2TimeoutSec*time.Second, false)
				if !ok {
					return
				}
				results[i] = &RoundtableMessage{Round: round, AgentID: a.ID, Text: res.Content}
			}(i, a)
		}
		wg.Wait()
		for _, r := range results {
			if r != nil {
				transcript = append(transcript, *r)
			}
		}
	}
	return transcript
}

func renderRoundtable(msgs []RoundtableMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[round %d] %s: %s\n", m.Round, m.AgentID, m.Text)
	}
	return b.String()
}

// Lively-mode defaults (spec §4.5.4).
const (
	defaultMaxMessages     = 24
	defaultMaxTurns        = 6
	livelyWarmupCharLimit  = 120
	livelyTurnCharLimit    = 220
)

type livelyLeaderDecision struct {
	Leaders     []string          `json:"leaders"`
	Mainline    string            `json:"mainline"`
	Assignments map[string]string `json:"assignments"`
	NextScript  string            `json:"next_script"`
	Action      string            `json:"action"` // continue|converge
}

// runLively drives the weak-chairman free-flow chat state machine (spec
// §4.5.4 Lively): warm-up, leader pick, leaders open, followers respond,
// then round-robin rotation with periodic chairman checkpoints.
func (p *Pipeline) runLively(ctx context.Context, conv *store.Conversation, agents []store.Agent, stage1 []Stage1Record) *LivelyResult {
	maxMessages := conv.Lively.MaxMessages
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	maxTurns := conv.Lively.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	checkpointEvery := clamp(4, 10, len(agents)+1)
	if conv.Lively.CheckpointEvery > 0 {
		checkpointEvery = conv.Lively.CheckpointEvery
	}
	chairman := p.chairmanSpec(ctx, conv)

	result := &LivelyResult{Action: "continue"}
	idx := 0
	next := func(phase, speaker, text string) {
		idx++
		result.Transcript = append(result.Transcript, LivelyMessage{Index: idx, Speaker: speaker, Phase: phase, Text: text})
	}

	// 1. Warm-up: each agent posts exactly one <=120 char message.
	for _, a := range agents {
		if len(result.Transcript) >= maxMessages {
			return result
		}
		msgs := []llm.Message{
			{Role: "system", Content: a.Persona + "\nPost one opening line, at most 120 characters."},
			{Role: "user", Content: "Open the discussion briefly."},
		}
		if res, ok := p.deps.Gateway.ChatOrNil(ctx, a.ModelSpec, msgs, stage2TimeoutSec*time.Second, false); ok {
			next("warmup", a.ID, truncate(res.Content, livelyWarmupCharLimit))
		}
	}

	// 2. Leader pick.
	decision := p.livelyLeaderDecision(ctx, chairman, agents, result.Transcript)
	leaders := validLeaders(decision.Leaders, agents)
	if len(leaders) == 0 {
		n := 2
		if len(agents) < n {
			n = len(agents)
		}
		for i := 0; i < n; i++ {
			leaders = append(leaders, agents[i].ID)
		}
	}
	result.Leaders = leaders
	if decision.Action == "converge" {
		result.Action = "converge"
		return result
	}

	byID := map[string]store.Agent{}
	for _, a := range agents {
		byID[a.ID] = a
	}

	// 3. Leaders open.
	for _, leaderID := range leaders {
		if len(result.Transcript) >= maxMessages {
			return result
		}
		a := byID[leaderID]
		msgs := []llm.Message{
			{Role: "system", Content: a.Persona + "\nOpen a discussion frame, at most 220 characters, naming 2-3 peers to respond."},
			{Role: "user", Content: renderLively(result.Transcript)},
		}
		if res, ok := p.deps.Gateway.ChatOrNil(ctx, a.ModelSpec, msgs, stage2TimeoutSec*time.Second, false); ok {
			next("leader_open", a.ID, truncate(res.Content, livelyTurnCharLimit))
		}
	}

	// 4. Followers respond.
	for _, a := range agents {
		if isLeader(a.ID, leaders) {
			continue
		}
		if len(result.Transcript) >= maxMessages {
			return result
		}
		task := decision.Assignments[a.ID]
		if task == "" {
			task = "evidence"
		}
		msgs := []llm.Message{
			{Role: "system", Content: a.Persona + fmt.Sprintf("\nRespond with a %s contribution, at most 220 characters. Mere agreement is not allowed.", task)},
			{Role: "user", Content: renderLively(result.Transcript)},
		}
		if res, ok := p.deps.Gateway.ChatOrNil(ctx, a.ModelSpec, msgs, stage2TimeoutSec*time.Second, false); ok {
			next("follower", a.ID, truncate(res.Content, livelyTurnCharLimit))
		}
	}

	// 5. Free-flow rotation.
	turn := 0
	lastSpeaker := ""
	rotationIdx := 0
	for len(result.Transcript) < maxMessages && turn < maxTurns {
		a := nextSpeaker(agents, &rotationIdx, lastSpeaker)
		lastSpeaker = a.ID
		msgs := []llm.Message{
			{Role: "system", Content: a.Persona + "\nContinue the discussion, at most 220 characters."},
			{Role: "user", Content: renderLively(result.Transcript)},
		}
		if res, ok := p.deps.Gateway.ChatOrNil(ctx, a.ModelSpec, msgs, stage2TimeoutSec*time.Second, false); ok {
			next("rotation", a.ID, truncate(res.Content, livelyTurnCharLimit))
		}

		if len(result.Transcript)%checkpointEvery == 0 {
			turn++
			d := p.livelyLeaderDecision(ctx, chairman, agents, result.Transcript)
			if d.NextScript != "" {
				conv.ScriptHistory = append(conv.ScriptHistory, store.ScriptSwitch{
					AtMessage: len(result.Transcript), Script: d.NextScript, Ts: time.Now().UTC(),
				})
				result.Scripts = conv.ScriptHistory
			}
			if d.Action == "converge" {
				result.Action = "converge"
				return result
			}
		}
	}
	return result
}

func (p *Pipeline) livelyLeaderDecision(ctx context.Context, chairman string, agents []store.Agent, transcript []LivelyMessage) livelyLeaderDecision {
	if chairman == "" {
		return livelyLeaderDecision{}
	}
	roster := make([]string, len(agents))
	for i, a := range agents {
		roster[i] = a.ID
	}
	prompt := fmt.Sprintf(
		"Roster IDs: %s\n\nTranscript so far:\n%s\n\nReturn strict JSON: "+
			"{\"leaders\":[id,...] (1-3),\"mainline\":string,\"assignments\":{id:task},"+
			"\"next_script\":string,\"action\":\"continue\"|\"converge\"}. "+
			"Valid tasks: evidence, counter-example, alternative, risk boundary, step list.",
		strings.Join(roster, ", "), renderLively(transcript))
	msgs := []llm.Message{
		{Role: "system", Content: "You are the discussion chairman, deciding structure only."},
		{Role: "user", Content: prompt},
	}
	res, ok := p.deps.Gateway.ChatOrNil(ctx, chairman, msgs, stage2TimeoutSec*time.Second, false)
	if !ok {
		return livelyLeaderDecision{}
	}
	blob, ok := jsonutil.Salvage(res.Content)
	if !ok {
		return livelyLeaderDecision{}
	}
	var d livelyLeaderDecision
	if err := json.Unmarshal([]byte(blob), &d); err != nil {
		return livelyLeaderDecision{}
	}
	return d
}

func renderLively(transcript []LivelyMessage) string {
	var b strings.Builder
	for _, m := range transcript {
		fmt.Fprintf(&b, "[%s/%s] %s\n", m.Phase, m.Speaker, m.Text)
	}
	return b.String()
}

func validLeaders(candidates []string, agents []store.Agent) []string {
	valid := map[string]bool{}
	for _, a := range agents {
		valid[a.ID] = true
	}
	var out []string
	for _, c := range candidates {
		if valid[c] {
			out = append(out, c)
		}
		if len(out) >= 3 {
			break
		}
	}
	return out
}

func isLeader(id string, leaders []string) bool {
	for _, l := range leaders {
		if l == id {
			return true
		}
	}
	return false
}

func nextSpeaker(agents []store.Agent, rotationIdx *int, lastSpeaker string) store.Agent {
	a := agents[*rotationIdx%len(agents)]
	*rotationIdx++
	if a.ID == lastSpeaker && len(agents) > 1 {
		a = agents[*rotationIdx%len(agents)]
		*rotationIdx++
	}
	return a
}

func clamp(min, max, v int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
