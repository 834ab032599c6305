package store

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/stepflow/types"
)

// applyStepTransition mutates the step in place after validating the
// transition. All three backends funnel through this helper so timestamp
// and payload handling stay identical.
//
//   - Ready -> Running sets StartedAt (first attempt only).
//   - Running -> Succeeded sets Result and CompletedAt.
//   - Running -> Failed sets Error and CompletedAt.
//   - Running -> Ready (retry) keeps the last Error for visibility and
//     clears CompletedAt.
//   - Skipped and Cancelled set CompletedAt; Skipped records the cascade
//     reason in Error.
func applyStepTransition(step *types.Step, to types.StepStatus,
	result json.RawMessage, errMsg string, now time.Time) error {

	if err := types.ValidateStepTransition(step.Status, to); err != nil {
		return err
	}

	switch to {
	case types.StepRunning:
		if step.StartedAt == nil {
			t := now
			step.StartedAt = &t
		}
	case types.StepSucceeded:
		step.Result = append(json.RawMessage(nil), result...)
		step.Error = ""
		t := now
		step.CompletedAt = &t
	case types.StepFailed:
		step.Error = errMsg
		t := now
		step.CompletedAt = &t
	case types.StepReady:
		// Retry path when coming from Running; keep the attempt's error so
		// observers can see why the step is being retried.
		if errMsg != "" {
			step.Error = errMsg
		}
		step.CompletedAt = nil
	case types.StepSkipped, types.StepCancelled:
		if errMsg != "" {
			step.Error = errMsg
		}
		t := now
		step.CompletedAt = &t
	}

	step.Status = to
	return nil
}
