// Package stage defines the analysis stages applied to each item and
// the dependency order between them. Each stage wraps one costly
// external model call with a bounded timeout and transient-only retry.
package stage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/oppradar/oppscan/internal/model"
	"github.com/oppradar/oppscan/internal/resilience"
	"github.com/oppradar/oppscan/pkg/llm"
)

// Runner executes one analysis stage for one item. Evidence is non-nil
// only for stages declared dependent on an upstream stage, and always
// reflects the upstream result as stored (a copied upstream payload is
// passed as-is, never recomputed).
type Runner interface {
	Name() string
	DependsOn() string
	Run(ctx context.Context, item model.Item, evidence *model.EvidenceBundle) (json.RawMessage, error)
}

// CallConfig bounds each external analysis call.
type CallConfig struct {
	Model     string
	MaxTokens int64
	Timeout   time.Duration
	Retry     resilience.RetryConfig
}

// Order validates the dependency graph over the given runners and
// returns them upstream-first. It rejects unknown upstreams, upstreams
// that are not enabled, and cycles.
func Order(runners []Runner) ([]Runner, error) {
	byName := make(map[string]Runner, len(runners))
	for _, r := range runners {
		if _, dup := byName[r.Name()]; dup {
			return nil, eris.Errorf("stage: duplicate stage %q", r.Name())
		}
		byName[r.Name()] = r
	}

	for _, r := range runners {
		if up := r.DependsOn(); up != "" {
			if _, ok := byName[up]; !ok {
				return nil, eris.Errorf("stage: %q depends on unknown or disabled stage %q", r.Name(), up)
			}
		}
	}

	// Topological sort; with single-upstream edges a cycle is the only
	// failure mode left.
	var ordered []Runner
	state := make(map[string]int, len(runners)) // 0 unvisited, 1 visiting, 2 done
	var visit func(r Runner) error
	visit = func(r Runner) error {
		switch state[r.Name()] {
		case 2:
			return nil
		case 1:
			return eris.Errorf("stage: dependency cycle through %q", r.Name())
		}
		state[r.Name()] = 1
		if up := r.DependsOn(); up != "" {
			if err := visit(byName[up]); err != nil {
				return err
			}
		}
		state[r.Name()] = 2
		ordered = append(ordered, r)
		return nil
	}

	for _, r := range runners {
		if err := visit(r); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// complete performs one analysis call under the stage's timeout and
// retry policy, then parses the model's JSON reply into out. A reply
// that is not valid JSON of the expected shape is a validation failure:
// reported, never retried.
func complete(ctx context.Context, client llm.Client, cfg CallConfig, stageName, system, prompt string, out any) error {
	resp, err := resilience.DoVal(ctx, cfg.Retry, func(ctx context.Context) (*llm.Response, error) {
		callCtx := ctx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		return client.Complete(callCtx, llm.Request{
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			System:    system,
			Prompt:    prompt,
		})
	})
	if err != nil {
		return eris.Wrapf(err, "stage %s: analysis call", stageName)
	}

	zap.L().Debug("stage: analysis call complete",
		zap.String("stage", stageName),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
	)

	raw := extractJSON(resp.Text)
	if raw == "" {
		return resilience.NewValidationError(eris.Errorf("stage %s: no JSON object in response", stageName))
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return resilience.NewValidationError(eris.Wrapf(err, "stage %s: parse response", stageName))
	}
	return nil
}

// extractJSON pulls the first top-level JSON object out of a model
// reply, tolerating markdown fences and prose around it.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func evidenceBlock(evidence *model.EvidenceBundle) string {
	if evidence == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nUpstream ")
	b.WriteString(evidence.Stage)
	b.WriteString(" analysis of this idea:\n")
	b.Write(evidence.Payload)
	b.WriteString("\n")
	return b.String()
}
