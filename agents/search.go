package agents

import (
	"context"
	"strings"
	"time"

	"github.com/maestroflow/maestro/core"
)

// SearchDocument is one entry in the mock search corpus.
type SearchDocument struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// MockSearchAgent is the sample search leaf. It matches query tokens
// against a fixed corpus and returns {results, count, query}.
type MockSearchAgent struct {
	*core.BaseAgent
	corpus []SearchDocument
}

// NewMockSearchAgent creates the sample search agent over a corpus.
// A nil corpus gets a small default.
func NewMockSearchAgent(corpus []SearchDocument) *MockSearchAgent {
	if corpus == nil {
		corpus = []SearchDocument{
			{Title: "Go concurrency patterns", Content: "goroutines, channels, and pipelines", Tags: []string{"go", "concurrency"}},
			{Title: "Circuit breakers in practice", Content: "protecting services from cascading failures", Tags: []string{"resilience"}},
			{Title: "Weather data formats", Content: "temperature readings and forecast shapes", Tags: []string{"weather"}},
		}
	}
	return &MockSearchAgent{
		BaseAgent: core.NewBaseAgent("search",
			[]string{"search", "lookup", "information"},
			map[string]interface{}{"description": "keyword search over an in-memory corpus"}),
		corpus: corpus,
	}
}

// Call runs the keyword match.
func (a *MockSearchAgent) Call(ctx context.Context, input core.Request) *core.AgentResponse {
	start := time.Now()
	args := core.NormalizeInput(input)

	query := args.GetString("query")
	maxResults := 10
	switch v := args["max_results"].(type) {
	case float64:
		if v > 0 {
			maxResults = int(v)
		}
	case int:
		if v > 0 {
			maxResults = v
		}
	}

	tokens := strings.Fields(strings.ToLower(query))
	results := make([]map[string]interface{}, 0, maxResults)
	for _, doc := range a.corpus {
		if len(results) >= maxResults {
			break
		}
		if len(tokens) == 0 || matchesDocument(doc, tokens) {
			results = append(results, map[string]interface{}{
				"title":   doc.Title,
				"content": doc.Content,
				"tags":    doc.Tags,
			})
		}
	}

	elapsed := time.Since(start)
	a.RecordCall(elapsed, true)
	return core.NewSuccessResponse(a.Name(), map[string]interface{}{
		"results": results,
		"count":   len(results),
		"query":   query,
	}, elapsed)
}

func matchesDocument(doc SearchDocument, tokens []string) bool {
	haystack := strings.ToLower(doc.Title + " " + doc.Content + " " + strings.Join(doc.Tags, " "))
	for _, token := range tokens {
		if strings.Contains(haystack, token) {
			return true
		}
	}
	return false
}
