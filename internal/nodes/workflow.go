package nodes

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/gotsync/gotsync/pkg/protocol"
)

// Stage names in the compiled graph.
const (
	StageGenerate  = "generate"
	StageScore     = "score"
	StageKeepBest  = "keep_best"
	StageAggregate = "aggregate"
)

// ErrNoThoughts is returned when every scored branch failed.
var ErrNoThoughts = errors.New("no thoughts survived scoring")

// Plan shapes the workflow graph.
type Plan struct {
	Prompt   string
	Branches int
	Keep     int
}

// TotalOperations is the number of operations the plan starts when none
// fail.
func (p Plan) TotalOperations() int {
	return 1 + p.Branches + 2
}

// Frontier is what flows between stages: the surviving thoughts and the ids
// of the operations that produced them.
type Frontier struct {
	Thoughts []protocol.Thought
	From     []string
}

// PlanFromInputs reads the plan from execute_workflow inputs, falling back
// to defaults.
func PlanFromInputs(inputs map[string]any, defaults Plan) Plan {
	plan := defaults
	for _, key := range []string{"prompt", "question"} {
		if s, ok := inputs[key].(string); ok && s != "" {
			plan.Prompt = s
			break
		}
	}
	if n, ok := inputs["branches"].(float64); ok && n >= 1 {
		plan.Branches = int(n)
	}
	if n, ok := inputs["keep"].(float64); ok && n >= 1 {
		plan.Keep = int(n)
	}
	if plan.Branches < 1 {
		plan.Branches = 1
	}
	if plan.Keep < 1 {
		plan.Keep = 1
	}
	return plan
}

// Build compiles the generate, score, keep-best and aggregate stages into an
// eino graph driven by tracker.
func Build(ctx context.Context, tracker *Tracker, plan Plan) (compose.Runnable[Frontier, Frontier], error) {
	g := compose.NewGraph[Frontier, Frontier]()

	stages := []struct {
		name string
		fn   func(context.Context, Frontier) (Frontier, error)
	}{
		{StageGenerate, func(ctx context.Context, in Frontier) (Frontier, error) { return tracker.generate(ctx, in, plan) }},
		{StageScore, tracker.score},
		{StageKeepBest, func(ctx context.Context, in Frontier) (Frontier, error) { return tracker.keepBest(ctx, in, plan.Keep) }},
		{StageAggregate, tracker.aggregate},
	}

	prev := compose.START
	for _, s := range stages {
		if err := g.AddLambdaNode(s.name, compose.InvokableLambda(s.fn)); err != nil {
			return nil, fmt.Errorf("failed to add %s node: %w", s.name, err)
		}
		if err := g.AddEdge(prev, s.name); err != nil {
			return nil, fmt.Errorf("failed to add edge %s -> %s: %w", prev, s.name, err)
		}
		prev = s.name
	}
	if err := g.AddEdge(prev, compose.END); err != nil {
		return nil, fmt.Errorf("failed to add end edge: %w", err)
	}

	runnable, err := g.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile workflow: %w", err)
	}
	return runnable, nil
}

// Seed is the graph input for plan.
func Seed(plan Plan) Frontier {
	return Frontier{Thoughts: []protocol.Thought{{Text: plan.Prompt}}}
}

func (t *Tracker) generate(ctx context.Context, in Frontier, plan Plan) (Frontier, error) {
	prompt := plan.Prompt
	if len(in.Thoughts) > 0 {
		prompt = in.Thoughts[0].Text
	}
	op := operation{
		id:     StageGenerate,
		typ:    TypeGenerate,
		preds:  in.From,
		params: map[string]any{"num_branches": plan.Branches},
	}
	thoughts, err := t.run(ctx, op, func() []protocol.Thought {
		out := make([]protocol.Thought, plan.Branches)
		for i := range out {
			out[i] = protocol.Thought{
				Text:     fmt.Sprintf("approach %d: %s", i+1, prompt),
				Metadata: map[string]any{"branch": i},
			}
		}
		return out
	})
	if err != nil {
		if errors.Is(err, errOperationFailed) {
			return Frontier{}, nil
		}
		return Frontier{}, err
	}
	t.emit.Emit(protocol.NameThoughtsGenerated, protocol.ThoughtsGenerated{
		OperationID: op.id,
		Thoughts:    thoughts,
		Count:       len(thoughts),
	})
	return Frontier{Thoughts: thoughts, From: []string{op.id}}, nil
}

// score runs one Score operation per incoming thought. A failed branch drops
// its thought.
func (t *Tracker) score(ctx context.Context, in Frontier) (Frontier, error) {
	var out Frontier
	var scores []float64
	for i, th := range in.Thoughts {
		op := operation{
			id:     fmt.Sprintf("%s_%d", StageScore, i),
			typ:    TypeScore,
			preds:  in.From,
			params: map[string]any{"branch": i},
		}
		scored, err := t.run(ctx, op, func() []protocol.Thought {
			s := scoreOf(th.Text)
			return []protocol.Thought{{Text: th.Text, Score: &s, Metadata: th.Metadata}}
		})
		if errors.Is(err, errOperationFailed) {
			continue
		}
		if err != nil {
			return Frontier{}, err
		}
		out.Thoughts = append(out.Thoughts, scored...)
		out.From = append(out.From, op.id)
		scores = append(scores, *scored[0].Score)
	}

	if len(scores) > 0 {
		t.recordScores(scores)
		t.emit.Emit(protocol.NameThoughtsScored, scoredPayload(StageScore, scores))
	}
	return out, nil
}

func (t *Tracker) keepBest(ctx context.Context, in Frontier, keep int) (Frontier, error) {
	if len(in.Thoughts) == 0 {
		return Frontier{}, ErrNoThoughts
	}
	op := operation{
		id:     StageKeepBest,
		typ:    TypeKeepBest,
		preds:  in.From,
		params: map[string]any{"n": keep},
	}
	kept, err := t.run(ctx, op, func() []protocol.Thought {
		sorted := append([]protocol.Thought(nil), in.Thoughts...)
		sort.SliceStable(sorted, func(i, j int) bool { return value(sorted[i]) > value(sorted[j]) })
		if len(sorted) > keep {
			sorted = sorted[:keep]
		}
		return sorted
	})
	if err != nil {
		return Frontier{}, err
	}
	return Frontier{Thoughts: kept, From: []string{op.id}}, nil
}

func (t *Tracker) aggregate(ctx context.Context, in Frontier) (Frontier, error) {
	op := operation{
		id:     StageAggregate,
		typ:    TypeAggregate,
		preds:  in.From,
		params: map[string]any{"inputs": len(in.Thoughts)},
	}
	merged, err := t.run(ctx, op, func() []protocol.Thought {
		texts := make([]string, len(in.Thoughts))
		best := 0.0
		for i, th := range in.Thoughts {
			texts[i] = th.Text
			best = max(best, value(th))
		}
		return []protocol.Thought{{Text: strings.Join(texts, "\n"), Score: &best}}
	})
	if err != nil {
		return Frontier{}, err
	}
	return Frontier{Thoughts: merged, From: []string{op.id}}, nil
}

// scoreOf derives a stable score in [0.3, 1] from the text.
func scoreOf(text string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return 0.3 + 0.7*float64(h.Sum32()%1000)/999
}

func value(th protocol.Thought) float64 {
	if th.Score == nil {
		return 0
	}
	return *th.Score
}

func scoredPayload(opID string, scores []float64) protocol.ThoughtsScored {
	p := protocol.ThoughtsScored{OperationID: opID, Scores: scores, MinScore: scores[0], MaxScore: scores[0]}
	sum := 0.0
	for _, s := range scores {
		p.MinScore = min(p.MinScore, s)
		p.MaxScore = max(p.MaxScore, s)
		sum += s
	}
	p.AvgScore = sum / float64(len(scores))
	return p
}
