package builtin

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/relaygw/relay/internal/domain/entity"
	"github.com/relaygw/relay/internal/tool"
)

// ImageBackend dispatches a generation prompt to an image-capable
// provider and returns the resulting image URL. The HTTP layer exposes
// the same backend directly via /generate-image.
type ImageBackend interface {
	GenerateImage(ctx context.Context, prompt string) (url string, provider string, err error)
}

// GenerateImageTool exposes image generation inside the tool loop.
type GenerateImageTool struct {
	backend ImageBackend
	logger  *zap.Logger
}

// NewGenerateImageTool creates the image tool.
func NewGenerateImageTool(backend ImageBackend, logger *zap.Logger) *GenerateImageTool {
	return &GenerateImageTool{
		backend: backend,
		logger:  logger.With(zap.String("tool", "generate_image")),
	}
}

func (t *GenerateImageTool) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:        "generate_image",
		Description: "Generate an image from a text prompt. Returns the URL of the generated image.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"prompt": map[string]interface{}{
					"type":        "string",
					"description": "Description of the image to generate",
				},
			},
			"required": []interface{}{"prompt"},
		},
		OutputKind:     tool.OutputMultimedia,
		MaxExecutionMs: 120_000,
		MaxOutputBytes: 4 * 1024,
		// Never cached: generation is intentionally non-deterministic.
	}
}

func (t *GenerateImageTool) Execute(ctx context.Context, args map[string]interface{}) (*tool.Output, error) {
	prompt, _ := args["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	url, provider, err := t.backend.GenerateImage(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("image generation failed: %w", err)
	}

	t.logger.Info("Image generated", zap.String("provider", provider))
	return &tool.Output{
		Text: fmt.Sprintf("Image generated: %s", url),
		Artifacts: &entity.ExtractedArtifacts{
			Images: []string{url},
		},
	}, nil
}
