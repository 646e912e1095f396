package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	defaultModel    = "gemini-2.0-flash"
	maxToolRounds   = 4
	maxCommandRunes = 2000
)

var (
	ErrNotConfigured = errors.New("assistant not configured")
	ErrEmptyCommand  = errors.New("command text is required")
	ErrToolLoop      = errors.New("assistant did not finish after repeated tool calls")
)

// Generator is the slice of the genai Models service used here.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// CommandInput carries one typed or transcribed utterance.
type CommandInput struct {
	Text     string
	Timezone string
}

// ToolCall records a function call made while answering a command.
type ToolCall struct {
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// CommandResult is the model's final reply plus the tools it ran.
type CommandResult struct {
	Reply string     `json:"reply"`
	Calls []ToolCall `json:"calls"`
}

// Assistant sends commands to Gemini with the task tools attached.
type Assistant struct {
	gen    Generator
	model  string
	tools  *Executor
	logger *slog.Logger
	now    func() time.Time
}

// New wires an assistant around any Generator.
func New(gen Generator, model string, tools *Executor, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModel
	}
	return &Assistant{
		gen:    gen,
		model:  model,
		tools:  tools,
		logger: logger.With("component", "assistant"),
		now:    time.Now,
	}
}

// NewGemini builds an assistant backed by the Gemini API.
func NewGemini(ctx context.Context, apiKey, model string, tools *Executor, logger *slog.Logger) (*Assistant, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNotConfigured
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return New(client.Models, model, tools, logger), nil
}

// Command answers one utterance, executing tool calls until the model replies
// with text.
func (a *Assistant) Command(ctx context.Context, input CommandInput) (*CommandResult, error) {
	if a == nil || a.gen == nil {
		return nil, ErrNotConfigured
	}
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return nil, ErrEmptyCommand
	}
	if runes := []rune(text); len(runes) > maxCommandRunes {
		text = string(runes[:maxCommandRunes])
	}
	loc, err := a.tools.tasks.Location(input.Timezone)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(a.systemPrompt(loc), genai.RoleUser),
		Tools:             []*genai.Tool{{FunctionDeclarations: Declarations()}},
	}
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result := &CommandResult{Calls: []ToolCall{}}

	for round := 0; round < maxToolRounds; round++ {
		resp, err := a.gen.GenerateContent(ctx, a.model, contents, config)
		if err != nil {
			a.logger.Error("generate content failed", "model", a.model, "error", err)
			return nil, fmt.Errorf("generate content: %w", err)
		}
		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			result.Reply = strings.TrimSpace(resp.Text())
			a.logger.Info("command answered", "tool_calls", len(result.Calls), "rounds", round+1)
			return result, nil
		}

		if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
			contents = append(contents, resp.Candidates[0].Content)
		}
		parts := make([]*genai.Part, 0, len(calls))
		for _, call := range calls {
			record := ToolCall{Name: call.Name, Args: call.Args}
			response, err := a.tools.Execute(ctx, call.Name, call.Args, input.Timezone)
			if err != nil {
				record.Error = err.Error()
				response = map[string]any{"ok": false, "error": err.Error()}
			} else {
				record.Result = response
			}
			result.Calls = append(result.Calls, record)
			part := genai.NewPartFromFunctionResponse(call.Name, response)
			if call.ID != "" {
				part.FunctionResponse.ID = call.ID
			}
			parts = append(parts, part)
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	a.logger.Warn("tool call rounds exhausted", "rounds", maxToolRounds, "tool_calls", len(result.Calls))
	return result, ErrToolLoop
}

func (a *Assistant) systemPrompt(loc *time.Location) string {
	now := a.now().In(loc)
	return fmt.Sprintf(`You manage the user's to-do list through the provided tools.
Today is %s and the user's timezone is %s.
Always use a tool to change or read tasks; never invent task ids.
Pass due dates the way the user said them.
Reply in one or two short spoken sentences.`, now.Format("Monday, 2 January 2006 15:04"), loc.String())
}
