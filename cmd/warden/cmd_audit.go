package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/warden/audit"
	"github.com/yairfalse/warden/types"
	"github.com/yairfalse/warden/wal"
)

var (
	auditLimit  int
	auditOffset int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and verify the audit trail",
	Long: `Inspect and verify the audit trail.

Every event carries the hash of its canonical payload. Verification
re-hashes each payload and reports events that no longer match.`,
}

var auditListCmd = &cobra.Command{
	Use:   "list RUN_ID",
	Short: "List the audit events of a run, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify RUN_ID",
	Short: "Re-hash every audit event of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerify,
}

var auditVerifyJournalCmd = &cobra.Command{
	Use:   "verify-journal [DIR]",
	Short: "Re-hash every event mirrored to the audit journal",
	Long: `Replay the audit journal and re-hash every mirrored event.

Also reports sequence gaps, which indicate removed journal entries.
DIR defaults to the configured journal directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerifyJournal,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd, auditVerifyCmd, auditVerifyJournalCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 0, "Page size (default 50, max 500)")
	auditListCmd.Flags().IntVar(&auditOffset, "offset", 0, "Page offset")
}

func runAuditList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	events, err := a.trail.ListForRun(cmd.Context(), args[0], types.Page{Limit: auditLimit, Offset: auditOffset})
	if err != nil {
		return err
	}
	if events == nil {
		events = []types.AuditEvent{}
	}
	return printJSON(cmd.OutOrStdout(), events)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	report, err := a.trail.Verify(cmd.Context(), args[0])
	if err != nil && report.OK() {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("run %s: %d of %d audit events failed verification", args[0], len(report.Mismatches), report.Events)
	}
	return nil
}

func runAuditVerifyJournal(cmd *cobra.Command, args []string) error {
	dir := cfg.Journal.Dir
	if len(args) > 0 {
		dir = args[0]
	}
	if dir == "" {
		return types.Invalid("journal.dir", "no journal directory configured")
	}

	report, err := audit.VerifyJournal(dir, wal.DefaultConfig())
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("journal %s: %d mismatches, %d sequence gaps", dir, len(report.Mismatches), report.Stats.Gaps)
	}
	return nil
}
