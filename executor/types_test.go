package executor

import (
	"errors"
	"strings"
	"testing"

	"github.com/yairfalse/warden/types"
)

func TestRunView_Err(t *testing.T) {
	denied := &types.Verdict{
		Decision: types.DecisionDeny,
		Reasons:  []types.Reason{{RuleID: "cooldown", Message: "incident in cooldown"}},
	}
	tests := []struct {
		name     string
		view     RunView
		want     error
		contains string
	}{
		{
			name: "succeeded",
			view: RunView{Run: types.RemediationRun{ID: "r1", Status: types.RunSucceeded}},
		},
		{
			name: "held",
			view: RunView{Run: types.RemediationRun{ID: "r1", Status: types.RunPlanned}},
		},
		{
			name: "denied with verdict",
			view: RunView{
				Run:     types.RemediationRun{ID: "r1", Status: types.RunFailed, FailureCode: types.FailurePolicyDenied},
				Verdict: denied,
			},
			want:     types.ErrPolicyDenied,
			contains: "cooldown",
		},
		{
			name:     "denied without verdict",
			view:     RunView{Run: types.RemediationRun{ID: "r1", Status: types.RunFailed, FailureCode: types.FailurePolicyDenied}},
			want:     types.ErrPolicyDenied,
			contains: "r1",
		},
		{
			name: "step failed",
			view: RunView{
				Run: types.RemediationRun{ID: "r1", Status: types.RunFailed, FailureCode: types.FailureStepFailed},
				Steps: []types.RemediationStep{
					{StepID: "drain", Status: types.StepSucceeded},
					{StepID: "restart", Status: types.StepFailed, ErrorCode: types.ErrorCodeTimeout},
				},
			},
			want:     types.ErrExecutionFailure,
			contains: "restart failed with TIMEOUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.view.Err()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Err() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Err() = %v, want %v", err, tt.want)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("Err() = %q, want it to mention %q", err, tt.contains)
			}
		})
	}
}
