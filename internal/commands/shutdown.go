package commands

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotcommander/ciris/internal/app"
	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/output"
)

// NewShutdownCmd signs or validates an emergency shutdown command. The
// running agent consumes the signed command through its adapter surface;
// this verb covers operator tooling and offline validation.
func NewShutdownCmd() *cobra.Command {
	var (
		reason   string
		force    bool
		sign     bool
		validate string
	)

	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Sign or validate an emergency shutdown command",
		Long: `Shutdown produces the signed {reason, timestamp, force, signature}
command an operator submits to a running agent. The signature is an
HMAC-SHA256 under the configured emergency authority key; timestamps
outside a 5-minute window are rejected on submission.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := app.LoadSettings()
			if err != nil {
				return cmdErr(err)
			}
			if settings.EmergencyKeyHex == "" {
				return cmdErr(fmt.Errorf("emergency_key_hex is not configured"))
			}
			key, err := hex.DecodeString(settings.EmergencyKeyHex)
			if err != nil {
				return cmdErr(fmt.Errorf("decode emergency key: %w", err))
			}
			auth, err := audit.NewEmergencyAuthenticator(key)
			if err != nil {
				return cmdErr(err)
			}

			switch {
			case sign:
				if reason == "" {
					return cmdErr(fmt.Errorf("--reason is required"))
				}
				command := &models.EmergencyCommand{
					Reason:    reason,
					Timestamp: time.Now().UTC(),
					Force:     force,
				}
				command.Signature = auth.SignCommand(command)
				return output.PrintSuccess(command)

			case validate != "":
				command := &models.EmergencyCommand{
					Reason:    reason,
					Timestamp: time.Now().UTC(),
					Force:     force,
					Signature: validate,
				}
				if err := auth.Authenticate(command, time.Now().UTC()); err != nil {
					return cmdErr(err)
				}
				type resp struct {
					Accepted bool `json:"accepted"`
				}
				return output.PrintSuccess(resp{Accepted: true})

			default:
				return cmdErr(fmt.Errorf("pass --sign to produce a command or --validate <signature> to check one"))
			}
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Shutdown reason")
	cmd.Flags().BoolVar(&force, "force", false, "Force (5s timeout instead of 30s)")
	cmd.Flags().BoolVar(&sign, "sign", false, "Produce a signed command")
	cmd.Flags().StringVar(&validate, "validate", "", "Validate a signature for --reason/--force at the current time")
	return cmd
}
