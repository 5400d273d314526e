package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	hbotel "github.com/basket/hostbridge/internal/otel"
	"github.com/basket/hostbridge/internal/protocol"
)

const (
	// BatchTool is the name of the built-in batch command.
	BatchTool = "batch_execute"
	// MaxBatchDepth bounds batch nesting. A batch running at this depth is refused.
	MaxBatchDepth = 3
	// MaxBatchOperations bounds the operations of a single batch.
	MaxBatchOperations = 100
)

// BatchDepthMessage is the error returned when nesting reaches MaxBatchDepth.
var BatchDepthMessage = fmt.Sprintf("Maximum batch depth (%d) exceeded.", MaxBatchDepth)

type batchOperation struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

type batchParams struct {
	Operations []batchOperation `json:"operations"`
}

// BatchResult is the data of a batch_execute response.
type BatchResult struct {
	Results   []protocol.Response `json:"results"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
}

const batchSchema = `{
	"type": "object",
	"properties": {
		"operations": {
			"type": "array",
			"minItems": 1,
			"maxItems": 100,
			"items": {
				"type": "object",
				"properties": {
					"tool": {"type": "string"},
					"params": {"type": "object"}
				},
				"additionalProperties": false
			}
		}
	},
	"required": ["operations"],
	"additionalProperties": false
}`

func (d *Dispatcher) batchCommand() Command {
	return Command{
		Name:        BatchTool,
		Description: "Run several commands in order and collect every response.",
		Schema:      batchSchema,
		Handler:     Typed(d.runBatch),
	}
}

// runBatch executes on the host goroutine, so each nested dispatch runs
// inline. A failed operation does not stop the ones after it.
func (d *Dispatcher) runBatch(ctx context.Context, p batchParams) (any, error) {
	depth := BatchDepth(ctx)
	if depth >= MaxBatchDepth {
		d.metrics.Count(ctx, func(m *hbotel.Metrics) metric.Int64Counter { return m.BatchDepthRejects }, hbotel.AttrBatchDepth.Int(depth))
		return nil, errors.New(BatchDepthMessage)
	}
	out := BatchResult{Results: make([]protocol.Response, 0, len(p.Operations))}
	for _, op := range p.Operations {
		if err := ctx.Err(); err != nil {
			out.Results = append(out.Results, protocol.Fail(err.Error()))
			out.Failed++
			continue
		}
		resp := d.dispatch(ctx, protocol.Envelope{Tool: op.Tool, Params: op.Params}, depth+1)
		if resp.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, resp)
	}
	return out, nil
}
