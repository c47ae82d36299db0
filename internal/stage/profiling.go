package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/oppradar/oppscan/internal/model"
	"github.com/oppradar/oppscan/internal/resilience"
	"github.com/oppradar/oppscan/pkg/llm"
)

// StageProfiling extracts the business problem behind an item.
const StageProfiling = "profiling"

// ProfilingPayload is the structured output of the profiling stage.
type ProfilingPayload struct {
	Summary          string   `json:"summary"`
	ProblemStatement string   `json:"problem_statement"`
	TargetCustomer   string   `json:"target_customer"`
	OpportunityScore float64  `json:"opportunity_score"`
	Keywords         []string `json:"keywords,omitempty"`
}

const profilingSystem = `You analyze discussion-forum posts for business opportunity signals.
Reply with a single JSON object and nothing else:
{"summary": string, "problem_statement": string, "target_customer": string, "opportunity_score": number between 0 and 1, "keywords": [string]}`

// ProfilingRunner runs the profiling stage. It has no upstream
// dependency: it is the root of the evidence chain.
type ProfilingRunner struct {
	client llm.Client
	cfg    CallConfig
}

// NewProfilingRunner creates the profiling stage runner.
func NewProfilingRunner(client llm.Client, cfg CallConfig) *ProfilingRunner {
	return &ProfilingRunner{client: client, cfg: cfg}
}

func (r *ProfilingRunner) Name() string      { return StageProfiling }
func (r *ProfilingRunner) DependsOn() string { return "" }

func (r *ProfilingRunner) Run(ctx context.Context, item model.Item, _ *model.EvidenceBundle) (json.RawMessage, error) {
	prompt := fmt.Sprintf("Post from %s:\n\n%s", item.SourceTag, item.Text())

	var payload ProfilingPayload
	if err := complete(ctx, r.client, r.cfg, StageProfiling, profilingSystem, prompt, &payload); err != nil {
		return nil, err
	}
	if err := payload.validate(); err != nil {
		return nil, resilience.NewValidationError(err)
	}

	return json.Marshal(payload)
}

func (p ProfilingPayload) validate() error {
	if p.Summary == "" || p.ProblemStatement == "" {
		return eris.New("profiling: missing summary or problem statement")
	}
	if p.OpportunityScore < 0 || p.OpportunityScore > 1 {
		return eris.Errorf("profiling: opportunity score %v out of range", p.OpportunityScore)
	}
	return nil
}
