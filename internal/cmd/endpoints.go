package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rpclens/rpclens/internal/core"
	"github.com/rpclens/rpclens/internal/output"
)

var (
	endpointsServer string
	endpointsFormat string
)

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Show endpoint health from a running server",
	Long: `Fetch the stats snapshot from a running rpclens server and render
per-endpoint health, breaker state and latency.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(endpointsFormat)
		if err != nil {
			return err
		}

		url := strings.TrimRight(endpointsServer, "/") + "/stats"
		client := &http.Client{Timeout: 10 * time.Second}

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch stats from %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var stats core.Stats
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return fmt.Errorf("decode stats response: %w", err)
		}

		rendered, err := output.NewFormatter(format).FormatStats(&stats)
		if err != nil {
			return err
		}
		cmd.Println(rendered)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(endpointsCmd)

	endpointsCmd.Flags().StringVar(&endpointsServer, "server", "http://localhost:8080", "base URL of a running rpclens server")
	endpointsCmd.Flags().StringVarP(&endpointsFormat, "format", "f", "table", "output format (table|json|markdown)")
}
