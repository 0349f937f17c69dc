package diag

import (
	"context"
	"log"
)

// AsyncReporter decouples slow reporters (Redis, SQLite, MQTT) from the
// control loop. Edges are dropped when the queue is full.
type AsyncReporter struct {
	next   Reporter
	queue  chan Fault
	logger *log.Logger
}

func NewAsyncReporter(next Reporter, size int, logger *log.Logger) *AsyncReporter {
	return &AsyncReporter{
		next:   next,
		queue:  make(chan Fault, size),
		logger: logger,
	}
}

func (a *AsyncReporter) ReportFault(f Fault) {
	select {
	case a.queue <- f:
	default:
		a.logger.Printf("Fault queue full, dropping edge for id %d string %d", f.ID, f.String)
	}
}

// Run forwards queued edges until ctx is done.
func (a *AsyncReporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-a.queue:
			a.next.ReportFault(f)
		}
	}
}
