package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/relaygw/relay/internal/tool"
)

// TimeTool reports the current date and time, optionally in a named zone.
type TimeTool struct {
	now func() time.Time // test seam
}

// NewTimeTool creates the clock tool.
func NewTimeTool() *TimeTool {
	return &TimeTool{now: time.Now}
}

func (t *TimeTool) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:        "get_time",
		Description: "Get the current date and time, optionally in a specific IANA timezone (e.g. Europe/Berlin).",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"timezone": map[string]interface{}{
					"type":        "string",
					"description": "IANA timezone name; defaults to UTC",
				},
			},
		},
		OutputKind:     tool.OutputText,
		MaxExecutionMs: 1000,
		MaxOutputBytes: 1024,
		// Never cached: the answer changes every second.
	}
}

func (t *TimeTool) Execute(ctx context.Context, args map[string]interface{}) (*tool.Output, error) {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = parsed
	}

	now := t.now().In(loc)
	return &tool.Output{
		Text: fmt.Sprintf("%s (%s, %s)",
			now.Format("2006-01-02 15:04:05"),
			now.Weekday(),
			loc.String(),
		),
	}, nil
}
