package status

import (
	"strings"
	"testing"

	"github.com/voidwalker/autopilot/internal/plan"
	"go.uber.org/zap"
)

func detect(t *testing.T, turn TurnOutput, order int) Detection {
	t.Helper()
	return NewDetector(zap.NewNop()).Detect(turn, order, plan.StepInProgress)
}

func TestDetectTypedOutput(t *testing.T) {
	d := detect(t, TurnOutput{
		Typed: &plan.StructuredResponse{Event: plan.EventStepCompleted, Step: 2, Message: "done"},
	}, 2)
	if d.Status != plan.StepCompleted || d.Result != "done" {
		t.Fatalf("got %+v", d)
	}
	if d.Unverified {
		t.Error("typed output must not be flagged unverified")
	}
}

func TestDetectTypedStepMismatchFallsThrough(t *testing.T) {
	d := detect(t, TurnOutput{
		Typed: &plan.StructuredResponse{Event: plan.EventStepCompleted, Step: 5, Message: "wrong step"},
		Text:  `{"event":"step_failed","step":2,"message":"selector missing"}`,
	}, 2)
	if d.Status != plan.StepFailed {
		t.Fatalf("mismatched typed output accepted; got %+v", d)
	}
}

func TestDetectParsedTextStepMismatchRejected(t *testing.T) {
	d := detect(t, TurnOutput{
		Text: `{"event":"step_completed","step":9,"message":"perfectly well formed"}`,
	}, 2)
	// A well-formed triple for the wrong step must not complete this step;
	// the non-empty text then trips the failsafe instead.
	if d.Status == plan.StepCompleted && !d.Unverified {
		t.Fatalf("wrong-step triple accepted as a verified completion: %+v", d)
	}
}

func TestDetectPhraseFallback(t *testing.T) {
	cases := map[string]plan.StepStatus{
		"Alright, step 3 finished without problems": plan.StepCompleted,
		"unfortunately step 3 failed":               plan.StepFailed,
		"step 3 canceled on user request":           plan.StepCanceled,
	}
	for text, want := range cases {
		d := detect(t, TurnOutput{Text: text}, 3)
		if d.Status != want {
			t.Errorf("%q: status = %q, want %q", text, d.Status, want)
		}
	}

	// A phrase about a different step is no signal for this one.
	d := detect(t, TurnOutput{Text: "step 7 finished"}, 3)
	if d.Status == plan.StepCompleted && !d.Unverified {
		t.Errorf("phrase for another step treated as verified completion: %+v", d)
	}
}

func TestDetectSilenceIsNonCompliance(t *testing.T) {
	d := detect(t, TurnOutput{Text: "   "}, 1)
	if d.Status != plan.StepFailed {
		t.Fatalf("status = %q, want failed", d.Status)
	}
	if !strings.Contains(d.Result, "format") {
		t.Errorf("result %q should flag non-compliance", d.Result)
	}
}

func TestDetectFailsafeNeverLeavesInProgress(t *testing.T) {
	texts := []string{
		"I navigated to the dashboard and extracted 42 rows into the sheet.",
		"done.",
		"step status: great success",
	}
	for _, text := range texts {
		d := detect(t, TurnOutput{Text: text}, 1)
		if d.Status == plan.StepInProgress {
			t.Errorf("%q: detector returned in_progress for non-empty output", text)
		}
	}

	d := detect(t, TurnOutput{Text: "useful but unformatted work"}, 1)
	if d.Status != plan.StepCompleted || !d.Unverified {
		t.Fatalf("failsafe should force an unverified completion, got %+v", d)
	}
}

func TestDetectOnlyEvaluatesInProgress(t *testing.T) {
	d := NewDetector(zap.NewNop()).Detect(TurnOutput{Text: "step 1 failed"}, 1, plan.StepCompleted)
	if d.Status != plan.StepCompleted {
		t.Fatalf("prior terminal status must pass through, got %q", d.Status)
	}
}

func TestDetectSessionEventKeepsStepOpen(t *testing.T) {
	d := detect(t, TurnOutput{
		Typed: &plan.StructuredResponse{Event: plan.EventSessionNeeded, Step: 1, Message: "need linkedin login"},
	}, 1)
	if d.Status != plan.StepInProgress {
		t.Fatalf("session_needed should leave the step open, got %q", d.Status)
	}
	if d.Event != plan.EventSessionNeeded {
		t.Errorf("event = %q", d.Event)
	}
}
