package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// PrometheusHandler returns an http.Handler that serves Prometheus text
// format metrics. This avoids pulling in the full prometheus/client_golang
// dependency. Mount it at "/metrics".
func (m *Monitor) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(m.metrics.StartTime).Seconds()

		lines := []struct {
			name string
			help string
			typ  string
			val  interface{}
		}{
			{"relay_requests_total", "Total chat requests processed", "counter", atomic.LoadUint64(&m.metrics.RequestsTotal)},
			{"relay_requests_success_total", "Total successful chat requests", "counter", atomic.LoadUint64(&m.metrics.RequestsSuccess)},
			{"relay_requests_failed_total", "Total failed chat requests", "counter", atomic.LoadUint64(&m.metrics.RequestsFailed)},

			{"relay_tool_calls_total", "Total tool calls executed", "counter", atomic.LoadUint64(&m.metrics.ToolCallsTotal)},
			{"relay_tool_calls_cached_total", "Tool calls served from cache", "counter", atomic.LoadUint64(&m.metrics.ToolCallsCached)},
			{"relay_tool_calls_failed_total", "Tool calls that failed", "counter", atomic.LoadUint64(&m.metrics.ToolCallsFailed)},

			{"relay_model_calls_total", "Total provider model calls", "counter", atomic.LoadUint64(&m.metrics.ModelCallsTotal)},
			{"relay_model_calls_failed_total", "Provider model calls that failed", "counter", atomic.LoadUint64(&m.metrics.ModelCallsFailed)},
			{"relay_model_tokens_used_total", "Total tokens consumed", "counter", atomic.LoadUint64(&m.metrics.ModelTokensUsed)},

			{"relay_errors_total", "Total terminal errors", "counter", atomic.LoadUint64(&m.metrics.ErrorsTotal)},

			{"relay_active_requests", "Requests currently in flight", "gauge", atomic.LoadInt64(&m.metrics.ActiveRequests)},
			{"relay_uptime_seconds", "Process uptime in seconds", "gauge", uptime},

			{"relay_memory_alloc_bytes", "Current memory allocation in bytes", "gauge", memStats.Alloc},
			{"relay_goroutines", "Number of goroutines", "gauge", runtime.NumGoroutine()},
			{"relay_gc_cycles_total", "Total completed GC cycles", "counter", memStats.NumGC},
		}

		for _, l := range lines {
			fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.typ)
			switch v := l.val.(type) {
			case uint64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case float64:
				fmt.Fprintf(w, "%s %f\n", l.name, v)
			case uint32:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			}
			fmt.Fprintln(w)
		}

		reqCount := atomic.LoadUint64(&m.metrics.RequestLatencyCount)
		if reqCount > 0 {
			avgMs := float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(reqCount) / 1e6
			fmt.Fprintf(w, "# HELP relay_request_latency_avg_ms Average request latency in milliseconds\n")
			fmt.Fprintf(w, "# TYPE relay_request_latency_avg_ms gauge\n")
			fmt.Fprintf(w, "relay_request_latency_avg_ms %f\n\n", avgMs)
		}
	})
}
