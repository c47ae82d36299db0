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

// StageCompetition surveys the competitive landscape for the profiled
// problem. Depends on profiling evidence.
const StageCompetition = "competition"

// CompetitionPayload is the structured output of the competition stage.
type CompetitionPayload struct {
	Competitors     []string `json:"competitors"`
	Saturation      string   `json:"saturation"`
	Differentiators []string `json:"differentiators,omitempty"`
	Rationale       string   `json:"rationale"`
}

const competitionSystem = `You assess the competitive landscape for a business opportunity.
Reply with a single JSON object and nothing else:
{"competitors": [string], "saturation": "low"|"medium"|"high", "differentiators": [string], "rationale": string}`

// CompetitionRunner runs the competition stage.
type CompetitionRunner struct {
	client llm.Client
	cfg    CallConfig
}

// NewCompetitionRunner creates the competition stage runner.
func NewCompetitionRunner(client llm.Client, cfg CallConfig) *CompetitionRunner {
	return &CompetitionRunner{client: client, cfg: cfg}
}

func (r *CompetitionRunner) Name() string      { return StageCompetition }
func (r *CompetitionRunner) DependsOn() string { return StageProfiling }

func (r *CompetitionRunner) Run(ctx context.Context, item model.Item, evidence *model.EvidenceBundle) (json.RawMessage, error) {
	prompt := fmt.Sprintf("Post from %s:\n\n%s%s", item.SourceTag, item.Text(), evidenceBlock(evidence))

	var payload CompetitionPayload
	if err := complete(ctx, r.client, r.cfg, StageCompetition, competitionSystem, prompt, &payload); err != nil {
		return nil, err
	}
	if err := payload.validate(); err != nil {
		return nil, resilience.NewValidationError(err)
	}

	return json.Marshal(payload)
}

func (p CompetitionPayload) validate() error {
	switch p.Saturation {
	case "low", "medium", "high":
	default:
		return eris.Errorf("competition: bad saturation %q", p.Saturation)
	}
	if p.Rationale == "" {
		return eris.New("competition: missing rationale")
	}
	return nil
}
