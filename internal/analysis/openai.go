package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	DefaultModel = "gpt-4o-mini"
	maxRetries   = 1
)

const analysisSystemPrompt = `You are a compassionate mental health assistant analyzing an anonymous support group conversation.
Be warm, supportive and non-judgmental. Recognize emotional patterns, suggest practical coping strategies,
suggest professional help when appropriate and never diagnose specific conditions.

Respond with a single JSON object and nothing else:
{"summary": "brief empathetic summary of the emotional themes",
 "insights": "patterns, concerns and strengths",
 "suggestions": "practical suggestions for coping and next steps",
 "text": "the full analysis as warm, concise prose including encouragement"}`

const suggestionSystemPrompt = `You help create support group rooms for mental health.
Given an emerging theme, suggest a new room: a clear empathetic name, a two or three sentence description,
whether it should be text or audio, and a recommended capacity between 15 and 30.
Be sensitive, specific and focus on psychological safety. Reply in plain text.`

// OpenAIAnalyzer talks to an OpenAI-compatible chat completions endpoint.
type OpenAIAnalyzer struct {
	client openaigo.Client
	model  string
}

func NewOpenAIAnalyzer(baseURL, apiKey, model string, timeout time.Duration) *OpenAIAnalyzer {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	httpClient := &http.Client{Timeout: timeout}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(maxRetries),
		option.WithRequestTimeout(timeout),
	}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &OpenAIAnalyzer{
		client: openaigo.NewClient(opts...),
		model:  model,
	}
}

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	prompt := fmt.Sprintf("Room: %s\nAnalysis type: %s\n\nConversation:\n%s\n\nProvide your analysis:",
		req.RoomName, req.Kind, strings.Join(req.Transcript, "\n"))

	text, err := a.complete(ctx, analysisSystemPrompt, prompt)
	if err != nil {
		return Result{}, err
	}
	return parseResult(text), nil
}

func (a *OpenAIAnalyzer) SuggestRoom(ctx context.Context, theme, description string) (string, error) {
	prompt := fmt.Sprintf("Theme: %s\nDescription: %s\n\nSuggest a new support room:", theme, description)
	return a.complete(ctx, suggestionSystemPrompt, prompt)
}

func (a *OpenAIAnalyzer) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := a.client.Chat.Completions.New(ctx, openaigo.ChatCompletionNewParams{
		Model: openaigo.ChatModel(a.model),
		Messages: []openaigo.ChatCompletionMessageParamUnion{
			openaigo.SystemMessage(system),
			openaigo.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned empty choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("llm returned empty content")
	}
	return text, nil
}

type structuredResult struct {
	Text        string `json:"text"`
	Summary     string `json:"summary"`
	Insights    string `json:"insights"`
	Suggestions string `json:"suggestions"`
}

// parseResult reads the JSON object the model was asked for. Anything else is
// kept whole as opaque text with no derived fields.
func parseResult(raw string) Result {
	var s structuredResult
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &s); err != nil {
		return Result{Text: raw}
	}
	r := Result{
		Text:        strings.TrimSpace(s.Text),
		Summary:     strings.TrimSpace(s.Summary),
		Insights:    strings.TrimSpace(s.Insights),
		Suggestions: strings.TrimSpace(s.Suggestions),
	}
	if r.Text == "" {
		r.Text = strings.TrimSpace(strings.Join(nonEmpty(r.Summary, r.Insights, r.Suggestions), "\n\n"))
	}
	if r.Text == "" {
		return Result{Text: raw}
	}
	return r
}

// extractJSONObject strips a markdown fence or surrounding prose from a JSON object.
func extractJSONObject(s string) string {
	raw := strings.TrimSpace(s)
	if strings.HasPrefix(raw, "```") {
		rest := strings.TrimSpace(strings.TrimPrefix(raw, "```"))
		if i := strings.Index(rest, "\n"); i >= 0 {
			rest = rest[i+1:]
		}
		if j := strings.LastIndex(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		raw = strings.TrimSpace(rest)
	}
	if !strings.HasPrefix(raw, "{") {
		if i := strings.Index(raw, "{"); i >= 0 {
			if j := strings.LastIndex(raw, "}"); j > i {
				return strings.TrimSpace(raw[i : j+1])
			}
		}
	}
	return raw
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
