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

// StageMonetization evaluates how the profiled problem could be turned
// into revenue. Depends on profiling evidence.
const StageMonetization = "monetization"

// MonetizationPayload is the structured output of the monetization stage.
type MonetizationPayload struct {
	Models           []string `json:"models"`
	PricingNotes     string   `json:"pricing_notes,omitempty"`
	RevenuePotential string   `json:"revenue_potential"`
	Rationale        string   `json:"rationale"`
}

const monetizationSystem = `You evaluate monetization paths for a business opportunity.
Reply with a single JSON object and nothing else:
{"models": [string], "pricing_notes": string, "revenue_potential": "low"|"medium"|"high", "rationale": string}`

// MonetizationRunner runs the monetization stage.
type MonetizationRunner struct {
	client llm.Client
	cfg    CallConfig
}

// NewMonetizationRunner creates the monetization stage runner.
func NewMonetizationRunner(client llm.Client, cfg CallConfig) *MonetizationRunner {
	return &MonetizationRunner{client: client, cfg: cfg}
}

func (r *MonetizationRunner) Name() string      { return StageMonetization }
func (r *MonetizationRunner) DependsOn() string { return StageProfiling }

func (r *MonetizationRunner) Run(ctx context.Context, item model.Item, evidence *model.EvidenceBundle) (json.RawMessage, error) {
	prompt := fmt.Sprintf("Post from %s:\n\n%s%s", item.SourceTag, item.Text(), evidenceBlock(evidence))

	var payload MonetizationPayload
	if err := complete(ctx, r.client, r.cfg, StageMonetization, monetizationSystem, prompt, &payload); err != nil {
		return nil, err
	}
	if err := payload.validate(); err != nil {
		return nil, resilience.NewValidationError(err)
	}

	return json.Marshal(payload)
}

func (p MonetizationPayload) validate() error {
	if len(p.Models) == 0 {
		return eris.New("monetization: no revenue models")
	}
	switch p.RevenuePotential {
	case "low", "medium", "high":
		return nil
	default:
		return eris.Errorf("monetization: bad revenue potential %q", p.RevenuePotential)
	}
}
