package planner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	logx "tasknova/pkg/logx"
)

type GeminiConfig struct {
	// Model is the bare model ID, e.g. "gemini-2.0-flash".
	Model string
	// APIKey overrides the GEMINI_API_KEY environment variable.
	APIKey string
	// Timezone is the IANA name the user's times are expressed in.
	Timezone string
}

// Gemini extracts plans with a Google model through genkit. Construction
// fails when no API key is available so the caller can fall back to the
// deterministic planner.
type Gemini struct {
	g   *genkit.Genkit
	log logx.Logger
	tz  string
}

func NewGemini(ctx context.Context, cfg GeminiConfig, log logx.Logger) (*Gemini, error) {
	if cfg.APIKey != "" {
		os.Setenv("GEMINI_API_KEY", cfg.APIKey)
	}
	if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
		return nil, fmt.Errorf("gemini planner: no API key configured")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	g := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{}),
		genkit.WithDefaultModel("googleai/"+model),
	)
	log.Info("planner initialized", logx.String("provider", "googleai"), logx.String("model", model))
	return &Gemini{g: g, log: log, tz: cfg.Timezone}, nil
}

const planSystemPrompt = `You extract reminder plans from chat messages.
Respond with ONLY a JSON object, no markdown fences, in this shape:
{"task": "<short task description>", "base_time": "<when the task is due>", "reminders": [{"time": "<when to remind>", "message": "<reminder text>"}]}
Rules:
- All times are in the %s timezone, formatted as "YYYY-MM-DDTHH:MM".
- The current time is %s. Resolve relative phrases ("in 20 minutes", "tomorrow") against it.
- Propose sensible lead reminders for deadlines (e.g. 30 minutes before) in addition to one at the due time, unless the user asked for a single reminder.
- Never produce times in the past.
- If the message does not describe a schedulable task, respond with exactly: {}`

func (p *Gemini) Plan(ctx context.Context, text string, now time.Time) (Plan, error) {
	system := fmt.Sprintf(planSystemPrompt, p.tz, now.Format("2006-01-02T15:04"))

	// Escape % so user text survives the fmt formatting inside WithPrompt.
	prompt := strings.ReplaceAll(text, "%", "%%")
	resp, err := genkit.Generate(ctx, p.g,
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return Plan{}, fmt.Errorf("generate plan: %w", err)
	}

	plan, err := decodePlan(resp.Text())
	if err != nil {
		p.log.Debug("model returned no plan", logx.String("text", text))
		return Plan{}, err
	}
	return plan, nil
}
