package output

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/rpclens/rpclens/internal/core"
)

// TableFormatter renders stats as an ASCII table.
type TableFormatter struct{}

// FormatStats renders endpoint rows plus a pool-wide summary footer.
func (f *TableFormatter) FormatStats(stats *core.Stats) (string, error) {
	if stats == nil {
		return "", nil
	}
	return buildStatsTable(stats).Render(), nil
}

func buildStatsTable(stats *core.Stats) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Endpoint", "State", "Weight", "In-Flight", "Calls", "Success", "Avg Latency", "Tokens"})

	for _, ep := range stats.Endpoints {
		t.AppendRow(table.Row{
			ep.URL,
			stateLabel(ep),
			ep.Weight,
			ep.InFlight,
			ep.Calls,
			successLabel(ep.Calls, ep.SuccessRate),
			latencyLabel(ep.AvgLatency),
			fmt.Sprintf("%.1f", ep.Tokens),
		})
	}

	g := stats.Global
	t.AppendFooter(table.Row{
		"total",
		"",
		"",
		g.InFlight,
		g.Calls,
		successLabel(g.Calls, g.SuccessRate),
		fmt.Sprintf("p50 %s / p95 %s", latencyLabel(g.P50Latency), latencyLabel(g.P95Latency)),
		fmt.Sprintf("queued %d", g.QueueDepth),
	})

	return t
}

func stateLabel(ep core.EndpointStats) string {
	if ep.InBackoff {
		return ep.BreakerState + " (backoff)"
	}
	return ep.BreakerState
}

func successLabel(calls int64, rate float64) string {
	if calls == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", rate*100)
}

func latencyLabel(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
