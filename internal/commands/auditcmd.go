package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotcommander/ciris/internal/app"
	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/output"
)

// NewAuditCmd groups audit chain verbs.
func NewAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Verify and inspect the signed audit chain",
	}
	cmd.AddCommand(newAuditVerifyCmd())
	cmd.AddCommand(newAuditLogCmd())
	cmd.AddCommand(newAuditRotateCmd())
	return cmd
}

func withAudit(fn func(svc *audit.Service) error) error {
	keyDir, err := app.GetKeyDir()
	if err != nil {
		return cmdErr(err)
	}
	return withDB(func(db *DB) error {
		svc, err := audit.NewService(db, keyDir)
		if err != nil {
			return err
		}
		return fn(svc)
	})
}

func newAuditVerifyCmd() *cobra.Command {
	var (
		startSeq int64
		endSeq   int64
		fastFind bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain and signatures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var report *models.VerificationReport
			var firstTampered int64
			if err := withAudit(func(svc *audit.Service) error {
				verifier := audit.NewVerifier(svc)
				var err error
				report, err = verifier.VerifyRange(startSeq, endSeq)
				if err != nil {
					return err
				}
				if fastFind && !report.Valid {
					firstTampered, err = verifier.FindFirstTampered()
				}
				return err
			}); err != nil {
				return err
			}
			type resp struct {
				Report        *models.VerificationReport `json:"report"`
				FirstTampered int64                      `json:"first_tampered,omitempty"`
			}
			return output.PrintSuccess(resp{Report: report, FirstTampered: firstTampered})
		},
	}
	cmd.Flags().Int64Var(&startSeq, "start", 0, "Range start sequence (0 = chain start)")
	cmd.Flags().Int64Var(&endSeq, "end", 0, "Range end sequence (0 = chain head)")
	cmd.Flags().BoolVar(&fastFind, "fast-find", false, "Binary-search the first tampered sequence on failure")
	return cmd
}

func newAuditLogCmd() *cobra.Command {
	var (
		eventType  string
		originator string
		payload    string
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Append an operator event to the chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventType == "" {
				return cmdErr(fmt.Errorf("--type is required"))
			}
			var entry *models.AuditEntry
			if err := withAudit(func(svc *audit.Service) error {
				var err error
				entry, err = svc.Log(eventType, originator, payload)
				return err
			}); err != nil {
				return err
			}
			type resp struct {
				Sequence  int64  `json:"sequence_number"`
				EntryHash string `json:"entry_hash"`
			}
			return output.PrintSuccess(resp{Sequence: entry.SequenceNumber, EntryHash: entry.EntryHash})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "Event type (required)")
	cmd.Flags().StringVar(&originator, "originator", "operator", "Originator ID")
	cmd.Flags().StringVar(&payload, "payload", "", "Payload string")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newAuditRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the signing keypair (old key stays verifiable)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var newKeyID string
			if err := withAudit(func(svc *audit.Service) error {
				var err error
				newKeyID, err = svc.Keys().RotateKeys()
				if err != nil {
					return err
				}
				_, err = svc.Log(models.AuditEventKeyRotation, "operator", map[string]string{"new_key_id": newKeyID})
				return err
			}); err != nil {
				return err
			}
			type resp struct {
				NewKeyID string `json:"new_key_id"`
			}
			return output.PrintSuccess(resp{NewKeyID: newKeyID})
		},
	}
}
