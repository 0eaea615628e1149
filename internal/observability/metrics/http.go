package metrics

import (
	"fmt"
	"net/http"
	"strings"
)

// Handler exposes a Collector's counters in Prometheus text exposition
// format, suitable for mounting on the ops server's /metrics path.
func Handler(c *Collector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, render(c))
	})
}

func render(c *Collector) string {
	if c == nil {
		return ""
	}

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP crossflow_rebalance_outcomes_total Outcomes per route, rail, and stage of the preference loop.\n")
	builder.WriteString("# TYPE crossflow_rebalance_outcomes_total counter\n")
	for _, sample := range c.Snapshot() {
		result := "failure"
		if sample.OK {
			result = "success"
		}
		builder.WriteString(fmt.Sprintf("crossflow_rebalance_outcomes_total{route=%q,rail=%q,stage=%q,result=%q} %d\n",
			sample.Route, sample.Rail, string(sample.Stage), result, sample.Count))
	}

	builder.WriteString("# HELP crossflow_transfers_retired_total Transfers retired from the pending ledger after settlement.\n")
	builder.WriteString("# TYPE crossflow_transfers_retired_total counter\n")
	for _, sample := range c.RetiredSnapshot() {
		builder.WriteString(fmt.Sprintf("crossflow_transfers_retired_total{route=%q,rail=%q} %d\n",
			sample.Route, sample.Rail, sample.Count))
	}

	return builder.String()
}
