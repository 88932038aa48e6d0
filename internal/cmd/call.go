package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpclens/rpclens/internal/config"
	"github.com/rpclens/rpclens/internal/core"
	"github.com/rpclens/rpclens/internal/core/engine"
	errwrap "github.com/rpclens/rpclens/internal/errors"
	"github.com/rpclens/rpclens/internal/observability"
)

var (
	callParams           string
	callTimeout          time.Duration
	callLatencySensitive bool
	callNoCache          bool
)

var callCmd = &cobra.Command{
	Use:   "call <method> [params-json]",
	Short: "Issue a single JSON-RPC call through the pool",
	Long: `Issue one JSON-RPC call using the configured endpoint pool and print
the raw result. Useful for smoke-testing endpoint configuration without
running the server.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method := args[0]
		rawParams := callParams
		if len(args) == 2 {
			rawParams = args[1]
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		var params json.RawMessage
		if rawParams != "" {
			if !json.Valid([]byte(rawParams)) {
				return fmt.Errorf("params is not valid JSON: %s", rawParams)
			}
			params = json.RawMessage(rawParams)
		}

		logLevel := cfg.Logging.Level
		if verbose {
			logLevel = "debug"
		}
		orch, err := engine.New(engineConfig(cfg), observability.NewEngineLogger(logLevel))
		if err != nil {
			return fmt.Errorf("build rpc engine: %w", err)
		}
		defer orch.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
		defer cancel()

		start := time.Now()
		result, err := orch.Call(ctx, method, params, core.CallOptions{
			LatencySensitive: callLatencySensitive,
			NoCache:          callNoCache,
		})
		if err != nil {
			var callErr *core.CallError
			if errors.As(err, &callErr) {
				observability.CLILogger.Error("Call failed",
					zap.String("method", method),
					zap.String("kind", string(callErr.Kind)),
					zap.String("endpoint", callErr.Endpoint),
					zap.Int("attempts", callErr.Attempts))
				return errwrap.FromCallError(ctx, callErr)
			}
			return err
		}

		observability.CLILogger.Debug("Call completed",
			zap.String("method", method),
			zap.Duration("elapsed", time.Since(start)))

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, result, "", "  "); err != nil {
			cmd.Println(string(result))
			return nil
		}
		cmd.Println(pretty.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().StringVar(&callParams, "params", "", "JSON-encoded call params")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "overall call timeout")
	callCmd.Flags().BoolVar(&callLatencySensitive, "latency-sensitive", false, "hedge the call with a delayed backup attempt")
	callCmd.Flags().BoolVar(&callNoCache, "no-cache", false, "bypass the result cache")
}
