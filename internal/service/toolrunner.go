package service

import (
	"context"

	"github.com/relaygw/relay/internal/domain/entity"
	"github.com/relaygw/relay/internal/tool"
)

// ExecutorRunner adapts the tool executor to the loop's ToolRunner
// contract.
type ExecutorRunner struct {
	Exec *tool.Executor
}

func (r ExecutorRunner) ExecuteAll(ctx context.Context, calls []entity.ToolCall) []ToolExecution {
	raw := r.Exec.ExecuteAll(ctx, calls)
	out := make([]ToolExecution, len(raw))
	for i, e := range raw {
		out[i] = ToolExecution{
			Call:      e.Call,
			Content:   e.Content,
			Cached:    e.Cached,
			ErrorKind: e.ErrorKind,
			Artifacts: e.Artifacts,
			Duration:  e.Duration,
		}
	}
	return out
}

func (r ExecutorRunner) Definitions(enabled []string) []tool.Definition {
	return r.Exec.Definitions(enabled)
}
