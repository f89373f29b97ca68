package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dotcommander/ciris/internal/app"
	"github.com/dotcommander/ciris/internal/bus"
	"github.com/dotcommander/ciris/internal/evaluators"
	"github.com/dotcommander/ciris/internal/llm"
	"github.com/dotcommander/ciris/internal/output"
	"github.com/dotcommander/ciris/internal/runtime"
)

// NewRunCmd creates the runtime command: wakeup through work until a stop
// signal arrives.
func NewRunCmd() *cobra.Command {
	var (
		model string
		speed float64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent runtime",
		Long: `Run starts the cognitive scheduler: WAKEUP identity verification, then
WORK rounds pulling thoughts through the evaluator chain, with DREAM
consolidation when idle. Stops cleanly on SIGINT/SIGTERM.

Requires ANTHROPIC_API_KEY for the structured-generation provider.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(model)
			if err != nil {
				return cmdErr(err)
			}

			if speed > 0 {
				rt.Scheduler.SetSpeed(speed)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := rt.Start(ctx); err != nil {
				return cmdErr(err)
			}

			<-ctx.Done()
			rt.Stop()

			type resp struct {
				Rounds int64 `json:"rounds_processed"`
			}
			return output.PrintSuccess(resp{Rounds: rt.Scheduler.Round()})
		},
	}

	cmd.Flags().StringVar(&model, "model", "claude-sonnet-4-20250514", "Model identifier for the structured-generation provider")
	cmd.Flags().Float64Var(&speed, "speed", 0, "Processing speed multiplier (0.1-10)")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

// buildRuntime assembles the full runtime from settings + environment.
func buildRuntime(model string) (*runtime.Runtime, error) {
	dbPath, err := app.GetDBPath()
	if err != nil {
		return nil, err
	}
	keyDir, err := app.GetKeyDir()
	if err != nil {
		return nil, err
	}
	archiveDir, err := app.GetArchiveDir()
	if err != nil {
		return nil, err
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required to run the agent")
	}
	provider, err := llm.NewAnthropicProviderFromAPIKey(apiKey, model)
	if err != nil {
		return nil, err
	}

	settings, err := app.LoadSettings()
	if err != nil {
		return nil, err
	}

	return runtime.New(runtime.Options{
		DBPath:          dbPath,
		KeyDir:          keyDir,
		ArchiveDir:      archiveDir,
		Settings:        app.EffectiveRuntimeSettings(),
		ChainBuilder:    evaluators.NewChain,
		LLMProvider:     bus.LLMProvider(provider),
		EmergencyKeyHex: settings.EmergencyKeyHex,
	})
}
