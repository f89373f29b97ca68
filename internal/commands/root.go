// Package commands wires the ciris CLI: the long-running runtime plus
// operational verbs for tasks, memory, audit verification, consolidation
// and the signed emergency shutdown.
package commands

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotcommander/ciris/internal/app"
	"github.com/dotcommander/ciris/internal/output"
)

// Execute runs the CLI application.
func Execute(version string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, logOptions())))

	root := &cobra.Command{
		Use:           "ciris",
		Short:         "Autonomous agent runtime (cognitive scheduler, graph memory, signed audit chain)",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				type resp struct {
					Version string `json:"version"`
				}
				return output.PrintSuccess(resp{Version: version})
			}
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := app.EnsureConfigDir(); err != nil {
				return err
			}

			// Wire --db-path into app-level resolver.
			if dbPath, err := cmd.Flags().GetString("db-path"); err == nil && dbPath != "" {
				app.SetDBPathOverride(dbPath)
			}

			return nil
		},
	}

	root.PersistentFlags().String("db-path", "", "Override database path")
	root.Flags().BoolP("version", "v", false, "version for ciris")

	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewTaskCmd())
	root.AddCommand(NewMemoryCmd())
	root.AddCommand(NewAuditCmd())
	root.AddCommand(NewConsolidateCmd())
	root.AddCommand(NewMaintenanceCmd())
	root.AddCommand(NewShutdownCmd())
	root.AddCommand(NewSchemaCmd())
	root.AddCommand(NewDoctorCmd())

	err := root.Execute()
	if err != nil {
		var pe printedError
		if !errors.As(err, &pe) {
			slog.Default().Error("command failed", "error", err.Error())
		}
	}
	return err
}

func logOptions() *slog.HandlerOptions {
	settings, err := app.LoadSettings()
	if err != nil {
		return nil
	}
	switch settings.LogLevel {
	case "debug":
		return &slog.HandlerOptions{Level: slog.LevelDebug}
	case "warn":
		return &slog.HandlerOptions{Level: slog.LevelWarn}
	case "error":
		return &slog.HandlerOptions{Level: slog.LevelError}
	default:
		return nil
	}
}
