// Package stages implements the five pipeline stages as LLM-backed workers.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonathan/content-pipeline/internal/llm"
	"github.com/jonathan/content-pipeline/internal/orchestration"
	"github.com/jonathan/content-pipeline/internal/prompts"
	"github.com/jonathan/content-pipeline/internal/schemas"
)

// DefaultTiers maps each stage to the model tier it runs on.
var DefaultTiers = map[orchestration.Stage]llm.ModelTier{
	orchestration.StageResearch: llm.TierStandard,
	orchestration.StageIdeation: llm.TierStandard,
	orchestration.StageCritique: llm.TierLite,
	orchestration.StageAnalysis: llm.TierAdvanced,
	orchestration.StageWriting:  llm.TierAdvanced,
}

// upstreamKeys names the template placeholder each upstream output fills.
var upstreamKeys = map[orchestration.Stage]string{
	orchestration.StageResearch: "Research",
	orchestration.StageIdeation: "Ideas",
	orchestration.StageCritique: "Critiques",
	orchestration.StageAnalysis: "Analysis",
}

// LLMWorker runs one stage by prompting the model for a JSON document.
type LLMWorker struct {
	Stage  orchestration.Stage
	Client llm.Client
	Tier   llm.ModelTier
}

// Execute implements orchestration.Worker.
func (w *LLMWorker) Execute(ctx context.Context, in orchestration.StageInput) orchestration.Result {
	prompt, err := BuildPrompt(w.Stage, in)
	if err != nil {
		return orchestration.Result{Error: fmt.Sprintf("agent %s could not build prompt: %v", w.Stage.Agent(), err)}
	}

	text, err := w.Client.GenerateJSON(ctx, prompt, w.Tier)
	if err != nil {
		res := orchestration.Result{Error: err.Error()}
		var rl *llm.RateLimitError
		if errors.As(err, &rl) {
			res.RetryAfter = rl.RetryAfter
		}
		return res
	}
	if text == "" {
		return orchestration.Result{Error: llm.ErrEmptyResponse.Error()}
	}

	return orchestration.Result{Success: true, Data: json.RawMessage(text)}
}

// BuildPrompt renders the stage template with the theme, the stage's output schema
// and every upstream output merged so far.
func BuildPrompt(stage orchestration.Stage, in orchestration.StageInput) (string, error) {
	schema, err := schemas.StageSchema(string(stage))
	if err != nil {
		return "", err
	}

	data := map[string]string{
		"Theme":  in.Theme,
		"Schema": schema,
	}
	for st, key := range upstreamKeys {
		out, ok := in.Upstream[st]
		if !ok || len(out) == 0 {
			continue
		}
		data[key] = indent(out)
	}

	return prompts.Render(prompts.StagesFile, string(stage), data)
}

func indent(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}

// NewRegistry returns one LLMWorker per stage, all sharing client.
func NewRegistry(client llm.Client) map[orchestration.Stage]orchestration.Worker {
	workers := make(map[orchestration.Stage]orchestration.Worker, len(orchestration.Stages))
	for _, st := range orchestration.Stages {
		workers[st] = &LLMWorker{Stage: st, Client: client, Tier: DefaultTiers[st]}
	}
	return workers
}
