package builtin

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/domain/entity"
	"github.com/relaygw/relay/internal/tool"
)

// YoutubeTool retrieves video metadata via the public oEmbed endpoint
// and, best-effort, the caption track via the timedtext endpoint. Neither
// needs an API key.
type YoutubeTool struct {
	client        *http.Client
	oembedBase    string
	timedtextBase string
	logger        *zap.Logger
}

// NewYoutubeTool creates the metadata tool.
func NewYoutubeTool(logger *zap.Logger) *YoutubeTool {
	return &YoutubeTool{
		client:        &http.Client{Timeout: 15 * time.Second},
		oembedBase:    "https://www.youtube.com/oembed",
		timedtextBase: "https://video.google.com/timedtext",
		logger:        logger.With(zap.String("tool", "youtube_metadata")),
	}
}

func (t *YoutubeTool) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:        "youtube_metadata",
		Description: "Look up the title, author, thumbnail, and transcript (when captions exist) of a YouTube video by URL.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "The YouTube video URL",
				},
			},
			"required": []interface{}{"url"},
		},
		OutputKind:           tool.OutputMultimedia,
		MaxExecutionMs:       15_000,
		MaxOutputBytes:       64 * 1024,
		Cacheable:            true,
		CacheTTLSeconds:      86_400,
		IdempotencyKeyFields: []string{"url"},
	}
}

type oembedResponse struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	ThumbnailURL string `json:"thumbnail_url"`
}

func (t *YoutubeTool) Execute(ctx context.Context, args map[string]interface{}) (*tool.Output, error) {
	raw, _ := args["url"].(string)
	videoURL := strings.TrimSpace(raw)
	if !isYoutubeURL(videoURL) {
		return nil, fmt.Errorf("url must be a youtube.com or youtu.be link")
	}

	endpoint := t.oembedBase + "?format=json&url=" + url.QueryEscape(videoURL)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oembed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oembed error: %s", resp.Status)
	}

	var meta oembedResponse
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("parse oembed response: %w", err)
	}

	text := fmt.Sprintf("Title: %s\nChannel: %s\nURL: %s", meta.Title, meta.AuthorName, videoURL)
	if transcript := t.fetchTranscript(ctx, videoID(videoURL)); transcript != "" {
		text += "\n\nTranscript:\n" + transcript
	}

	artifacts := &entity.ExtractedArtifacts{
		YoutubeVideos: []string{videoURL},
	}
	if meta.ThumbnailURL != "" {
		artifacts.Images = append(artifacts.Images, meta.ThumbnailURL)
	}
	return &tool.Output{Text: text, Artifacts: artifacts}, nil
}

type timedtextTrack struct {
	Texts []struct {
		Value string `xml:",chardata"`
	} `xml:"text"`
}

// fetchTranscript pulls the English caption track. Best effort: many
// videos have no published captions, and auto-generated tracks are not
// served by this endpoint, so an empty result is not an error.
func (t *YoutubeTool) fetchTranscript(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}

	endpoint := t.timedtextBase + "?lang=en&v=" + url.QueryEscape(id)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return ""
	}
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("Transcript fetch failed", zap.String("video", id), zap.Error(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ""
	}
	var track timedtextTrack
	if err := xml.Unmarshal(body, &track); err != nil || len(track.Texts) == 0 {
		return ""
	}

	parts := make([]string, 0, len(track.Texts))
	for _, line := range track.Texts {
		// Caption payloads are frequently double-escaped.
		if s := strings.TrimSpace(html.UnescapeString(line.Value)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// videoID extracts the video identifier from the supported URL shapes.
func videoID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if host == "youtu.be" {
		return strings.Trim(u.Path, "/")
	}
	if v := u.Query().Get("v"); v != "" {
		return v
	}
	for _, prefix := range []string{"/shorts/", "/embed/", "/live/"} {
		if rest, ok := strings.CutPrefix(u.Path, prefix); ok {
			return strings.Trim(rest, "/")
		}
	}
	return ""
}

func isYoutubeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	return host == "youtube.com" || host == "youtu.be" || host == "m.youtube.com"
}
