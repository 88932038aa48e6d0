package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpclens/rpclens/internal/core"
)

func sampleStats() *core.Stats {
	return &core.Stats{
		Global: core.GlobalStats{
			Calls:       120,
			Successes:   114,
			Failures:    6,
			SuccessRate: 0.95,
			InFlight:    3,
			QueueDepth:  2,
			AvgLatency:  42 * time.Millisecond,
			P50Latency:  35 * time.Millisecond,
			P95Latency:  90 * time.Millisecond,
			P99Latency:  140 * time.Millisecond,
		},
		Endpoints: []core.EndpointStats{
			{
				URL:          "https://rpc-a.example.com",
				Weight:       3,
				Healthy:      true,
				BreakerState: "closed",
				InFlight:     2,
				Calls:        90,
				Successes:    88,
				SuccessRate:  0.977,
				AvgLatency:   38 * time.Millisecond,
				Tokens:       41.5,
			},
			{
				URL:          "https://rpc-b.example.com",
				Weight:       1,
				BreakerState: "open",
				Calls:        30,
				Successes:    26,
				SuccessRate:  0.866,
				AvgLatency:   120 * time.Millisecond,
				Tokens:       12.0,
				InBackoff:    true,
			},
		},
	}
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]Format{
		"":          FormatTable,
		"table":     FormatTable,
		"  JSON  ":  FormatJSON,
		"markdown":  FormatMarkdown,
		"Markdown ": FormatMarkdown,
	} {
		got, err := ParseFormat(input)
		require.NoError(t, err, "input %q", input)
		require.Equal(t, want, got)
	}

	_, err := ParseFormat("yaml")
	require.Error(t, err)
}

func TestTableFormatter(t *testing.T) {
	out, err := (&TableFormatter{}).FormatStats(sampleStats())
	require.NoError(t, err)

	require.Contains(t, out, "https://rpc-a.example.com")
	require.Contains(t, out, "closed")
	require.Contains(t, out, "open (backoff)")
	require.Contains(t, out, "97.7%")
	require.Contains(t, out, "queued 2")
}

func TestTableFormatterEmptyStats(t *testing.T) {
	out, err := (&TableFormatter{}).FormatStats(&core.Stats{})
	require.NoError(t, err)
	require.NotContains(t, out, "example.com")

	out, err = (&TableFormatter{}).FormatStats(nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestJSONFormatterRoundTrip(t *testing.T) {
	out, err := (&JSONFormatter{Indent: true}).FormatStats(sampleStats())
	require.NoError(t, err)

	var decoded core.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Equal(t, int64(120), decoded.Global.Calls)
	require.Len(t, decoded.Endpoints, 2)
	require.Equal(t, "https://rpc-b.example.com", decoded.Endpoints[1].URL)
}

func TestMarkdownFormatter(t *testing.T) {
	out, err := (&MarkdownFormatter{}).FormatStats(sampleStats())
	require.NoError(t, err)

	require.True(t, strings.Contains(out, "|"), "markdown output should contain table pipes")
	require.Contains(t, out, "https://rpc-a.example.com")
}

func TestNewFormatter(t *testing.T) {
	require.IsType(t, &TableFormatter{}, NewFormatter(FormatTable))
	require.IsType(t, &JSONFormatter{}, NewFormatter(FormatJSON))
	require.IsType(t, &MarkdownFormatter{}, NewFormatter(FormatMarkdown))
}
