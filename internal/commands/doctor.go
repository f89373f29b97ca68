package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dotcommander/ciris/internal/app"
	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/output"
	"github.com/dotcommander/ciris/internal/store"
)

// NewDoctorCmd checks the health of the local installation: database,
// schema version, signing keys and audit chain integrity.
func NewDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check database, schema, keys and audit chain health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			type resp struct {
				SchemaCurrent    int64  `json:"schema_current"`
				SchemaLatest     int64  `json:"schema_latest"`
				SchemaOK         bool   `json:"schema_ok"`
				PrivateKeyExists bool   `json:"private_key_exists"`
				AuditChainValid  bool   `json:"audit_chain_valid"`
				AuditEntries     int    `json:"audit_entries"`
				FirstTamperedSeq int64  `json:"first_tampered_seq,omitempty"`
				KeyDir           string `json:"key_dir"`
			}
			var r resp

			keyDir, err := app.GetKeyDir()
			if err != nil {
				return cmdErr(err)
			}
			r.KeyDir = keyDir
			if _, err := os.Stat(filepath.Join(keyDir, "audit_private.pem")); err == nil {
				r.PrivateKeyExists = true
			}

			if err := withDB(func(db *DB) error {
				var err error
				r.SchemaCurrent, r.SchemaLatest, err = store.SchemaVersion(db)
				if err != nil {
					return err
				}
				r.SchemaOK = r.SchemaCurrent >= r.SchemaLatest

				svc, err := audit.NewService(db, keyDir)
				if err != nil {
					return err
				}
				report, err := audit.NewVerifier(svc).VerifyComplete()
				if err != nil {
					return err
				}
				r.AuditChainValid = report.Valid
				r.AuditEntries = report.EntriesVerified
				r.FirstTamperedSeq = report.FirstTamperedSeq
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(r)
		},
	}
}
