package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/warden/types"
)

var (
	policyActivate bool
	policyLimit    int
	policyOffset   int
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage lawbook versions",
	Long: `Publish, activate and inspect lawbook versions.

Versions are immutable. Publishing the same document twice returns the
first version. Exactly one version per policy id is active at a time; with
none active every run is denied.`,
}

var policyPublishCmd = &cobra.Command{
	Use:   "publish FILE",
	Short: "Publish a lawbook document as a new version",
	Example: `  warden policy publish lawbook.yaml             # Publish only
  warden policy publish lawbook.yaml --activate  # Publish and activate`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyPublish,
}

var policyActivateCmd = &cobra.Command{
	Use:   "activate VERSION_ID",
	Short: "Make a version the active lawbook of its policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyActivate,
}

var policyDeactivateCmd = &cobra.Command{
	Use:   "deactivate [POLICY_ID]",
	Short: "Clear the active version; runs are denied until the next activation",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyDeactivate,
}

var policyActiveCmd = &cobra.Command{
	Use:   "active [POLICY_ID]",
	Short: "Show the active version",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyActive,
}

var policyVersionsCmd = &cobra.Command{
	Use:     "versions [POLICY_ID]",
	Aliases: []string{"list"},
	Short:   "List versions, newest first",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runPolicyVersions,
}

var policyEventsCmd = &cobra.Command{
	Use:   "events [POLICY_ID]",
	Short: "List lawbook changes, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyEvents,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyPublishCmd, policyActivateCmd, policyDeactivateCmd,
		policyActiveCmd, policyVersionsCmd, policyEventsCmd)

	policyPublishCmd.Flags().BoolVar(&policyActivate, "activate", false, "Activate the version after publishing")
	for _, c := range []*cobra.Command{policyVersionsCmd, policyEventsCmd} {
		c.Flags().IntVar(&policyLimit, "limit", 0, "Page size (default 50, max 200)")
		c.Flags().IntVar(&policyOffset, "offset", 0, "Page offset")
	}
}

// policyIDArg defaults to the configured policy id
func policyIDArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.Policy.ID
}

func runPolicyPublish(cmd *cobra.Command, args []string) error {
	doc, err := os.ReadFile(args[0]) // #nosec G304 -- path is intentional user input
	if err != nil {
		return fmt.Errorf("read lawbook: %w", err)
	}

	a, err := openApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	v, existing, err := a.policies.CreateVersion(cmd.Context(), doc, actorName)
	if err != nil {
		return err
	}
	out := map[string]any{"version": v, "created": !existing}
	if policyActivate {
		ptr, err := a.policies.Activate(cmd.Context(), v.ID, actorName)
		if err != nil {
			return err
		}
		out["active"] = ptr
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func runPolicyActivate(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ptr, err := a.policies.Activate(cmd.Context(), args[0], actorName)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), ptr)
}

func runPolicyDeactivate(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	policyID := policyIDArg(args)
	if err := a.policies.Deactivate(cmd.Context(), policyID, actorName); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"policy_id": policyID, "configured": false})
}

func runPolicyActive(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	policyID := policyIDArg(args)
	active, err := a.policies.GetActive(cmd.Context(), policyID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"policy_id":  policyID,
		"configured": active.Configured(),
		"version":    active.Version,
		"document":   active.Document,
	})
}

func runPolicyVersions(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	versions, err := a.policies.ListVersions(cmd.Context(), policyIDArg(args), types.Page{Limit: policyLimit, Offset: policyOffset})
	if err != nil {
		return err
	}
	if versions == nil {
		versions = []types.PolicyVersion{}
	}
	return printJSON(cmd.OutOrStdout(), versions)
}

func runPolicyEvents(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	events, err := a.policies.ListEvents(cmd.Context(), policyIDArg(args), types.Page{Limit: policyLimit, Offset: policyOffset})
	if err != nil {
		return err
	}
	if events == nil {
		events = []types.PolicyEvent{}
	}
	return printJSON(cmd.OutOrStdout(), events)
}
