package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/domain/entity"
	"github.com/relaygw/relay/internal/tool"
)

// WebSearchTool searches the web using the Brave Search API.
type WebSearchTool struct {
	apiKey string
	client *http.Client
	logger *zap.Logger
}

// NewWebSearchTool creates the search tool. An empty apiKey makes every
// call fail with a configuration message the model can relay.
func NewWebSearchTool(apiKey string, logger *zap.Logger) *WebSearchTool {
	return &WebSearchTool{
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With(zap.String("tool", "web_search")),
	}
}

func (t *WebSearchTool) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:        "web_search",
		Description: "Search the web for information. Returns titles, URLs, and snippets from search results.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query",
				},
				"count": map[string]interface{}{
					"type":        "integer",
					"description": "Number of results to return (default: 5, max: 20)",
				},
			},
			"required": []interface{}{"query"},
		},
		OutputKind:           tool.OutputStructured,
		MaxExecutionMs:       30_000,
		MaxOutputBytes:       100 * 1024,
		Cacheable:            true,
		CacheTTLSeconds:      900,
		IdempotencyKeyFields: []string{"query", "count"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (*tool.Output, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if t.apiKey == "" {
		return nil, fmt.Errorf("search API key not configured")
	}

	count := intArg(args, "count", 5)
	if count > 20 {
		count = 20
	}

	reqURL, _ := url.Parse("https://api.search.brave.com/res/v1/web/search")
	q := reqURL.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.logger.Warn("Search API error",
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("search API error: %s", resp.Status)
	}

	var searchResp braveSearchResponse
	if err := json.Unmarshal(body, &searchResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	artifacts := &entity.ExtractedArtifacts{}
	var lines []string
	for i, result := range searchResp.Web.Results {
		if i >= count {
			break
		}
		lines = append(lines, fmt.Sprintf(
			"%d. %s\n   URL: %s\n   %s",
			i+1, result.Title, result.URL, result.Description,
		))
		artifacts.Sources = append(artifacts.Sources, entity.Source{
			Title:   result.Title,
			URL:     result.URL,
			Snippet: result.Description,
		})
	}

	if len(lines) == 0 {
		return &tool.Output{Text: "No results found."}, nil
	}
	return &tool.Output{
		Text:      strings.Join(lines, "\n\n"),
		Artifacts: artifacts,
	}, nil
}

type braveSearchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// intArg extracts an integer argument that JSON decoding delivered as
// float64.
func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return def
}
