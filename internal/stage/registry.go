package stage

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/oppradar/oppscan/internal/model"
	"github.com/oppradar/oppscan/pkg/llm"
)

// Build constructs runners for the enabled stages, applies any
// dependency overrides from configuration, and returns them in
// dependency order.
func Build(enabled []string, deps map[string]string, client llm.Client, cfg CallConfig) ([]Runner, error) {
	factories := map[string]func() Runner{
		StageProfiling:    func() Runner { return NewProfilingRunner(client, cfg) },
		StageMonetization: func() Runner { return NewMonetizationRunner(client, cfg) },
		StageCompetition:  func() Runner { return NewCompetitionRunner(client, cfg) },
	}

	var runners []Runner
	for _, name := range enabled {
		factory, ok := factories[name]
		if !ok {
			return nil, eris.Errorf("stage: unknown stage %q", name)
		}
		r := factory()
		if up, overridden := deps[name]; overridden && up != r.DependsOn() {
			r = &reparented{Runner: r, upstream: up}
		}
		runners = append(runners, r)
	}

	return Order(runners)
}

// reparented overrides a runner's declared upstream with the configured
// one.
type reparented struct {
	Runner
	upstream string
}

func (r *reparented) DependsOn() string { return r.upstream }

func (r *reparented) Run(ctx context.Context, item model.Item, evidence *model.EvidenceBundle) (json.RawMessage, error) {
	return r.Runner.Run(ctx, item, evidence)
}
