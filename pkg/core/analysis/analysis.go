// Package analysis grades finished conversations against the evaluation
// criteria and data-collection items configured on the agent that ran them.
// The verdict is produced by an LLM backend behind the Model interface.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vox-go/vox-relay/pkg/core/providers/elevenlabs"
)

const (
	// maxAttempts bounds how often a timed-out analysis is retried.
	maxAttempts = 3

	// retryDelay is the pause between attempts.
	retryDelay = 2 * time.Second
)

// Turn is one exchange of a conversation transcript.
type Turn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

// Model produces a completion for an analysis prompt.
type Model interface {
	// Name returns the backend identifier.
	Name() string

	// Complete sends the prompt and returns the reply text.
	Complete(ctx context.Context, prompt string) (string, error)
}

// AgentSource yields the agent configuration the prompt is built from.
// *elevenlabs.Client satisfies it.
type AgentSource interface {
	Agent(ctx context.Context, agentID string) (elevenlabs.AgentDetail, error)
}

// Analyzer grades transcripts with an LLM backend.
type Analyzer struct {
	agents AgentSource
	model  Model
	logger *slog.Logger

	attempts uint64
	delay    time.Duration
}

// New creates an Analyzer. A nil logger falls back to slog.Default.
func New(agents AgentSource, model Model, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		agents:   agents,
		model:    model,
		logger:   logger,
		attempts: maxAttempts,
		delay:    retryDelay,
	}
}

// Analyze runs the transcript through the model and returns the parsed
// analysis object. It never fails outward: timeouts are retried, and any
// terminal error yields a structured fallback result so history reads stay
// serviceable when the model is down.
func (a *Analyzer) Analyze(ctx context.Context, transcript []Turn, agentID string) map[string]any {
	var (
		result  map[string]any
		attempt int
	)
	backoff := retry.WithMaxRetries(a.attempts-1, retry.NewConstant(a.delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		out, err := a.analyzeOnce(ctx, transcript, agentID)
		if err != nil {
			if isTimeout(err) {
				a.logger.Warn("analysis attempt timed out",
					"agent_id", agentID,
					"attempt", attempt,
					"error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		if isTimeout(err) {
			msg := fmt.Sprintf("timeout on attempt %d/%d: %v", attempt, a.attempts, err)
			a.logger.Error("transcript analysis timed out", "agent_id", agentID, "error", err)
			return fallback(msg, fmt.Sprintf("Analysis failed after %d attempts: %s", a.attempts, msg))
		}
		a.logger.Error("transcript analysis failed", "agent_id", agentID, "error", err)
		return fallback(err.Error(), fmt.Sprintf("Analysis failed: %v", err))
	}
	return result
}

func (a *Analyzer) analyzeOnce(ctx context.Context, transcript []Turn, agentID string) (map[string]any, error) {
	agent, err := a.agents.Agent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent details: %w", err)
	}

	reply, err := a.model.Complete(ctx, buildPrompt(agentID, agent, transcript))
	if err != nil {
		return nil, err
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		return nil, fmt.Errorf("parse model reply: %w", err)
	}
	return parsed, nil
}

// promptInstructions is the fixed tail of every analysis prompt. The shape
// block keeps replies machine-parseable without a structured-output API.
const promptInstructions = `Analyze based on criteria and data collection above. For each:
1. Success/failure
2. Rationale
3. Supporting evidence
4. For data collection: identify collected data

IMPORTANT: Return ONLY the raw JSON object without any markdown formatting or code blocks. Do not include ` + "```json or ```" + ` markers.

Return this exact JSON structure:
{
    "analysis": {
        "criteria_results": [
            {
                "criterion_name": "name",
                "result": "success/failure",
                "rationale": "explanation",
                "supporting_evidence": ["examples"]
            }
        ],
        "data_collection_results": [
            {
                "data_type": "name",
                "collected": true/false,
                "value": "value if any",
                "rationale": "explanation"
            }
        ],
        "overall_assessment": "success/failure",
        "summary": "brief summary"
    }
}`

func buildPrompt(agentID string, agent elevenlabs.AgentDetail, transcript []Turn) string {
	criteria := agent.PlatformSettings.Evaluation.Criteria
	criteriaLines := make([]string, 0, len(criteria))
	for _, c := range criteria {
		criteriaLines = append(criteriaLines, fmt.Sprintf("# %s #: %s", c.Name, c.ConversationGoalPrompt))
	}

	collection := agent.PlatformSettings.DataCollection
	names := make([]string, 0, len(collection))
	for name := range collection {
		names = append(names, name)
	}
	// Map order is random; sort so repeated runs build the same prompt.
	sort.Strings(names)
	collectionLines := make([]string, 0, len(names))
	for _, name := range names {
		collectionLines = append(collectionLines, fmt.Sprintf("# Data Collection - %s #: %s", name, collection[name].Description))
	}

	turnLines := make([]string, 0, len(transcript))
	for _, t := range transcript {
		turnLines = append(turnLines, fmt.Sprintf("%s: %s", strings.ToUpper(t.Role), t.Message))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this conversation between a user and AI agent (ID: %s).\n\n", agentID)
	b.WriteString("Criteria:\n")
	b.WriteString(strings.Join(criteriaLines, "\n"))
	b.WriteString("\n\nData Collection:\n")
	b.WriteString(strings.Join(collectionLines, "\n"))
	b.WriteString("\n\nTranscript:\n")
	b.WriteString(strings.Join(turnLines, "\n"))
	b.WriteString("\n\n")
	b.WriteString(promptInstructions)
	return b.String()
}

// fallback is the result shape returned when analysis cannot complete.
// Consumers read it like a normal verdict, so the analysis object keeps its
// usual keys with empty results.
func fallback(errMsg, summary string) map[string]any {
	return map[string]any{
		"error": errMsg,
		"analysis": map[string]any{
			"criteria_results":        []any{},
			"data_collection_results": []any{},
			"overall_assessment":      "error",
			"summary":                 summary,
		},
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
