package docuwise

import (
	"context"
	"fmt"
	"strings"

	"github.com/teilomillet/gollm"
)

// NotFoundAnswer is returned when no stored chunk matches the question.
const NotFoundAnswer = "I could not find information about this in the uploaded documents."

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LLMGenerator is a Generator backed by gollm.
type LLMGenerator struct {
	llm gollm.LLM
}

// NewLLMGenerator builds a gollm client for provider and model.
func NewLLMGenerator(provider, model, apiKey string, maxTokens int) (*LLMGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	llm, err := gollm.NewLLM(
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetAPIKey(apiKey),
		gollm.SetMaxTokens(maxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM: %w", err)
	}
	return &LLMGenerator{llm: llm}, nil
}

func (g *LLMGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.llm.Generate(ctx, gollm.NewPrompt(prompt))
}

// Answer is a generated answer with the chunks it was built from.
type Answer struct {
	Text    string            `json:"answer"`
	Sources []RetrieverResult `json:"sources"`
}

// Answerer answers questions from retrieved chunks.
type Answerer struct {
	retriever *Retriever
	generator Generator
	logger    Logger
}

// NewAnswerer returns an Answerer. A nil generator makes Answer return the
// sources with an empty answer text.
func NewAnswerer(retriever *Retriever, generator Generator) *Answerer {
	return &Answerer{retriever: retriever, generator: generator, logger: retriever.logger}
}

// Answer retrieves up to topK chunks (the retriever default when topK <= 0)
// and asks the generator to answer from them.
func (a *Answerer) Answer(ctx context.Context, question string, topK int) (*Answer, error) {
	results, err := a.retriever.RetrieveK(ctx, question, topK)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &Answer{Text: NotFoundAnswer, Sources: []RetrieverResult{}}, nil
	}
	if a.generator == nil {
		return &Answer{Sources: results}, nil
	}

	resp, err := a.generator.Generate(ctx, BuildPrompt(question, results))
	if err != nil {
		return nil, fmt.Errorf("failed to generate response: %w", err)
	}
	a.logger.Debug("Generated answer", "sources", len(results))
	return &Answer{Text: strings.TrimSpace(resp), Sources: results}, nil
}

// BuildPrompt numbers the retrieved chunks so the model can cite them.
func BuildPrompt(question string, results []RetrieverResult) string {
	var sb strings.Builder
	sb.WriteString("Here are some relevant sections from the uploaded documents:\n\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "[%d] %s (page %d)\n%s\n\n", i+1, r.Filename, r.Page, r.Content)
	}
	fmt.Fprintf(&sb, "Based on this information, please answer the following question: %s\n\n", question)
	sb.WriteString("Cite the sections you used by their number. If the information isn't found in the provided context, please say so clearly.")
	return sb.String()
}
