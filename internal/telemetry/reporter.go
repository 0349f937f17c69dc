package telemetry

import (
	"context"
	"fmt"
	"log"

	"github.com/librescoot/bms-service/internal/diag"
	"github.com/redis/go-redis/v9"
)

// FaultStream is the Redis stream shared by all services for fault events
const FaultStream = "events:faults"

// StreamReporter appends fault edges to the fault event stream. A cleared
// fault is written with a negative code.
type StreamReporter struct {
	redis  *redis.Client
	logger *log.Logger
	ctx    context.Context
}

// NewStreamReporter creates a new fault stream reporter
func NewStreamReporter(ctx context.Context, client *redis.Client, logger *log.Logger) *StreamReporter {
	return &StreamReporter{
		redis:  client,
		logger: logger,
		ctx:    ctx,
	}
}

// ReportFault implements diag.Reporter
func (r *StreamReporter) ReportFault(f diag.Fault) {
	if err := r.redis.XAdd(r.ctx, &redis.XAddArgs{
		Stream: FaultStream,
		MaxLen: 1000,
		Values: streamValues(f),
	}).Err(); err != nil {
		r.logger.Printf("Failed to add fault event to stream: %v", err)
	}
}

func streamValues(f diag.Fault) map[string]interface{} {
	group := "bms"
	if f.Scope == diag.ScopeString {
		group = fmt.Sprintf("bms:string:%d", f.String)
	}

	if !f.Active {
		return map[string]interface{}{
			"group": group,
			"code":  fmt.Sprintf("-%d", f.ID),
		}
	}

	return map[string]interface{}{
		"group":       group,
		"code":        fmt.Sprintf("%d", f.ID),
		"description": f.Description,
		"severity":    f.Severity.String(),
	}
}
