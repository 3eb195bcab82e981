package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/warden/executor"
	"github.com/yairfalse/warden/gate"
	"github.com/yairfalse/warden/types"
)

var (
	runIncident    string
	runPlaybook    string
	runInputs      string
	runCategory    string
	runEvidence    []string
	runDeterminism string
	runPolicyID    string
	runExecute     bool
	runByKey       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Plan, execute and inspect remediation runs",
	Long: `Plan, execute and inspect remediation runs.

A run is identified by its run key: the same incident, playbook and inputs
always resolve to the same run. Planning twice never creates a second run.`,
}

var runPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan a run and evaluate its admission gates",
	Example: `  warden run plan --incident INC-42 --playbook restart-service \
    --inputs '{"service":"api"}' --category latency --evidence metrics,logs
  warden run plan --incident INC-42 --playbook restart-service --execute`,
	Args: cobra.NoArgs,
	RunE: runRunPlan,
}

var runExecuteCmd = &cobra.Command{
	Use:   "execute RUN_ID",
	Short: "Execute an admitted run, or re-evaluate a held one",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunExecute,
}

var runShowCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Show a run and its steps",
	Example: `  warden run show 6f1c...        # By run id
  warden run show --key 9a0b...  # By run key`,
	Args: cobra.ExactArgs(1),
	RunE: runRunShow,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runPlanCmd, runExecuteCmd, runShowCmd)

	f := runPlanCmd.Flags()
	f.StringVar(&runIncident, "incident", "", "Incident reference (required)")
	f.StringVar(&runPlaybook, "playbook", "", "Playbook id (required)")
	f.StringVar(&runInputs, "inputs", "", "Run inputs as a JSON object, or @file")
	f.StringVar(&runCategory, "category", "", "Incident category for evidence requirements")
	f.StringSliceVar(&runEvidence, "evidence", nil, "Evidence kinds already gathered")
	f.StringVar(&runDeterminism, "determinism", "", "Determinism report as JSON, or @file")
	f.StringVar(&runPolicyID, "policy", "", "Policy id (defaults to the configured one)")
	f.BoolVar(&runExecute, "execute", false, "Execute immediately when admitted")
	_ = runPlanCmd.MarkFlagRequired("incident")
	_ = runPlanCmd.MarkFlagRequired("playbook")

	runShowCmd.Flags().BoolVar(&runByKey, "key", false, "Treat the argument as a run key")
}

// jsonArg reads a JSON flag value, inline or from @file
func jsonArg(name, value string, dst any) error {
	data := []byte(value)
	if len(value) > 1 && value[0] == '@' {
		var err error
		data, err = os.ReadFile(value[1:]) // #nosec G304 -- path is intentional user input
		if err != nil {
			return fmt.Errorf("read --%s: %w", name, err)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return types.Invalid(name, "invalid json: %v", err)
	}
	return nil
}

func runRunPlan(cmd *cobra.Command, args []string) error {
	req := executor.PlanRequest{
		IncidentRef: runIncident,
		PlaybookID:  runPlaybook,
		Category:    runCategory,
		Evidence:    runEvidence,
		PolicyID:    runPolicyID,
	}
	if runInputs != "" {
		if err := jsonArg("inputs", runInputs, &req.Inputs); err != nil {
			return err
		}
	}
	if runDeterminism != "" {
		var report gate.DeterminismReport
		if err := jsonArg("determinism", runDeterminism, &report); err != nil {
			return err
		}
		req.Determinism = &report
	}

	a, err := openApp(cmd.Context(), cfg, appOptions{engine: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	view, err := a.engine.Plan(cmd.Context(), req)
	if err != nil {
		return err
	}
	if runExecute && view.Run.Status == types.RunRunning {
		executed, err := a.engine.Execute(cmd.Context(), view.Run.ID)
		if err != nil {
			return err
		}
		executed.Existing = view.Existing
		if executed.Verdict == nil {
			executed.Verdict = view.Verdict
		}
		view = executed
	}
	return printOutcome(cmd, view)
}

func runRunExecute(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg, appOptions{engine: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	view, err := a.engine.Execute(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printOutcome(cmd, view)
}

// printOutcome prints the view and fails the command when the run failed
func printOutcome(cmd *cobra.Command, view executor.RunView) error {
	if err := printJSON(cmd.OutOrStdout(), view); err != nil {
		return err
	}
	return view.Err()
}

func runRunShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cfg, appOptions{engine: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	var view executor.RunView
	if runByKey {
		view, err = a.engine.GetByKey(cmd.Context(), args[0])
	} else {
		view, err = a.engine.Get(cmd.Context(), args[0])
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), view)
}
