package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"courier/cmd/internal/app"
	"courier/cmd/internal/files"
	"courier/cmd/internal/files/boltfallback"
)

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Import pending fallback records into the database once",
		Long: `Run a single reconciliation pass over the configured fallback backend
and print a summary. Useful after an outage when the server is stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log := opts.load()
			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			rep, err := a.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported=%d duplicate=%d rejected=%d failed=%d remaining=%d\n",
				rep.Imported, rep.Duplicate, rep.Rejected, rep.Failed, rep.Remaining)
			return nil
		},
	}
}

func newFallbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fallback",
		Short: "Inspect the local fallback store",
	}

	var path string
	rejected := &cobra.Command{
		Use:   "rejected [id-prefix]",
		Short: "List records the reconciler refused to import",
		Long: `List rejected records from the bolt fallback file as JSON lines.
Only metadata is printed; ciphertext is omitted.

Examples:
  courier fallback rejected
  courier fallback rejected 01J --path /var/lib/courier/fallback.db`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = app.EnvString("COURIER_FALLBACK_BOLT_PATH", "./data/fallback.db")
			}
			prefix := ""
			if len(args) == 1 {
				prefix = strings.TrimSpace(args[0])
			}

			st, err := boltfallback.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			recs, err := st.Rejected(prefix)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range recs {
				if err := enc.Encode(rejectedLine(rec)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	rejected.Flags().StringVar(&path, "path", "", "bolt file; defaults to COURIER_FALLBACK_BOLT_PATH")
	cmd.AddCommand(rejected)
	return cmd
}

type rejectedRecord struct {
	FileID   string `json:"file_id"`
	OwnerID  string `json:"owner_id"`
	FileName string `json:"file_name"`
	Size     int64  `json:"file_size_bytes"`
	Reason   string `json:"reason"`
	StoredAt string `json:"stored_at"`
}

func rejectedLine(p files.Pending) rejectedRecord {
	return rejectedRecord{
		FileID:   p.Envelope.ID,
		OwnerID:  p.Envelope.OwnerID,
		FileName: p.Envelope.Name,
		Size:     p.Envelope.Size,
		Reason:   p.Reason,
		StoredAt: p.StoredAt.UTC().Format(time.RFC3339),
	}
}
