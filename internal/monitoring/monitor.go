package monitoring

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Metrics are the gateway's atomic counters.
type Metrics struct {
	RequestsTotal   uint64
	RequestsSuccess uint64
	RequestsFailed  uint64

	ToolCallsTotal  uint64
	ToolCallsCached uint64
	ToolCallsFailed uint64

	ModelCallsTotal  uint64
	ModelCallsFailed uint64
	ModelTokensUsed  uint64

	ActiveRequests int64

	RequestLatencySum   uint64 // nanoseconds
	RequestLatencyCount uint64

	ErrorsTotal uint64

	StartTime time.Time
}

// Monitor collects process-wide gateway metrics. All mutation is atomic;
// no locks on the request path.
type Monitor struct {
	metrics *Metrics
	logger  *zap.Logger
}

// NewMonitor creates a monitor.
func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{
		metrics: &Metrics{StartTime: time.Now()},
		logger:  logger,
	}
}

func (m *Monitor) IncRequestTotal()    { atomic.AddUint64(&m.metrics.RequestsTotal, 1) }
func (m *Monitor) IncRequestSuccess()  { atomic.AddUint64(&m.metrics.RequestsSuccess, 1) }
func (m *Monitor) IncRequestFailed()   { atomic.AddUint64(&m.metrics.RequestsFailed, 1) }
func (m *Monitor) IncToolCall()        { atomic.AddUint64(&m.metrics.ToolCallsTotal, 1) }
func (m *Monitor) IncToolCallCached()  { atomic.AddUint64(&m.metrics.ToolCallsCached, 1) }
func (m *Monitor) IncToolCallFailed()  { atomic.AddUint64(&m.metrics.ToolCallsFailed, 1) }
func (m *Monitor) IncModelCall()       { atomic.AddUint64(&m.metrics.ModelCallsTotal, 1) }
func (m *Monitor) IncModelCallFailed() { atomic.AddUint64(&m.metrics.ModelCallsFailed, 1) }
func (m *Monitor) IncError()           { atomic.AddUint64(&m.metrics.ErrorsTotal, 1) }

func (m *Monitor) AddTokensUsed(n int) {
	if n > 0 {
		atomic.AddUint64(&m.metrics.ModelTokensUsed, uint64(n))
	}
}

func (m *Monitor) RequestStarted()  { atomic.AddInt64(&m.metrics.ActiveRequests, 1) }
func (m *Monitor) RequestFinished() { atomic.AddInt64(&m.metrics.ActiveRequests, -1) }

func (m *Monitor) RecordRequestLatency(d time.Duration) {
	atomic.AddUint64(&m.metrics.RequestLatencySum, uint64(d.Nanoseconds()))
	atomic.AddUint64(&m.metrics.RequestLatencyCount, 1)
}
