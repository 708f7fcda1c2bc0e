package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/domain/entity"
	"github.com/relaygw/relay/internal/tool"
)

// ScrapePageTool fetches a page and extracts its readable content as
// markdown. Readability isolates the article; html-to-markdown keeps
// structure (headings, lists, links) the plain-text extraction loses.
type ScrapePageTool struct {
	client *http.Client
	logger *zap.Logger
}

// NewScrapePageTool creates the scraper.
func NewScrapePageTool(logger *zap.Logger) *ScrapePageTool {
	return &ScrapePageTool{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With(zap.String("tool", "scrape_page")),
	}
}

func (t *ScrapePageTool) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:        "scrape_page",
		Description: "Fetch a web page and extract its readable content as markdown. Sites with bot protection may block requests - use web_search as fallback.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "The URL to fetch",
				},
			},
			"required": []interface{}{"url"},
		},
		OutputKind:           tool.OutputText,
		MaxExecutionMs:       30_000,
		MaxOutputBytes:       100 * 1024,
		Cacheable:            true,
		CacheTTLSeconds:      3600,
		IdempotencyKeyFields: []string{"url"},
	}
}

func (t *ScrapePageTool) Execute(ctx context.Context, args map[string]interface{}) (*tool.Output, error) {
	raw, _ := args["url"].(string)
	parsedURL, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return nil, fmt.Errorf("url must be a valid http(s) URL")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", parsedURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	// A browser User-Agent avoids the most common bot walls.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "application/xhtml") {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 100*1024))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return &tool.Output{Text: string(body)}, nil
	}

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	body := article.TextContent
	if markdown, err := htmltomd.ConvertString(article.Content); err == nil && strings.TrimSpace(markdown) != "" {
		body = markdown
	} else if err != nil {
		t.logger.Warn("Markdown conversion failed, using plain text",
			zap.String("url", parsedURL.String()),
			zap.Error(err),
		)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", article.Title)
	if article.Byline != "" {
		fmt.Fprintf(&b, "Author: %s\n", article.Byline)
	}
	fmt.Fprintf(&b, "URL: %s\n\n---\n\n", parsedURL.String())
	b.WriteString(body)

	artifacts := &entity.ExtractedArtifacts{
		Sources: []entity.Source{{
			Title:   article.Title,
			URL:     parsedURL.String(),
			Snippet: article.Excerpt,
		}},
	}
	if article.Image != "" {
		artifacts.Images = append(artifacts.Images, article.Image)
	}

	return &tool.Output{Text: b.String(), Artifacts: artifacts}, nil
}
