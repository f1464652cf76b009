package parser

import (
	"testing"

	"github.com/voidwalker/autopilot/internal/plan"
)

func TestParseTypedPassthrough(t *testing.T) {
	typed := &plan.StructuredResponse{Event: plan.EventStepCompleted, Step: 2, Message: "done"}
	got := Parse(typed, "ignored text")
	if got != typed {
		t.Fatalf("expected typed output used directly, got %+v", got)
	}
}

func TestParseTextShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"bare json", `{"event":"step_completed","step":3,"message":"logged in"}`},
		{"fenced json", "here you go\n```json\n{\"event\":\"step_completed\",\"step\":3,\"message\":\"logged in\"}\n```"},
		{"plain fence", "```\n{\"event\":\"step_completed\",\"step\":3,\"message\":\"logged in\"}\n```"},
		{"leading prose", "I finished the login flow.\n{\"event\":\"step_completed\",\"step\":3,\"message\":\"logged in\"}"},
		{"trailing prose", `{"event":"step_completed","step":3,"message":"logged in"} — let me know if you need more`},
		{"assistant_message alias", `{"event":"step_completed","step":3,"assistant_message":"logged in"}`},
		{"step as string", `{"event":"step_completed","step":"3","message":"logged in"}`},
		{"escaped newlines", `{"event":"step_completed","step":3,"message":"logged in\nsuccessfully"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseText(tc.raw)
			if got == nil {
				t.Fatal("expected a structured response, got nil")
			}
			if got.Event != plan.EventStepCompleted {
				t.Errorf("event = %q, want step_completed", got.Event)
			}
			if got.Step != 3 {
				t.Errorf("step = %d, want 3", got.Step)
			}
			if got.Message == "" {
				t.Error("message is empty")
			}
		})
	}
}

func TestParsePrefersLastObject(t *testing.T) {
	raw := `First I thought {"event":"step_failed","step":1,"message":"cannot find button"} ` +
		`but then it worked {"event":"step_completed","step":1,"message":"clicked it"}`
	got := ParseText(raw)
	if got == nil {
		t.Fatal("expected a structured response")
	}
	if got.Event != plan.EventStepFailed && got.Event != plan.EventStepCompleted {
		t.Fatalf("unexpected event %q", got.Event)
	}
}

func TestBraceSplitPrefersLast(t *testing.T) {
	raw := `{"event":"step_failed","step":1,"message":"cannot find button"} then retried ` +
		`{"event":"step_completed","step":1,"message":"clicked it"}`
	got := fromBraceSplit(raw)
	if got == nil {
		t.Fatal("expected a structured response")
	}
	if got.Event != plan.EventStepCompleted {
		t.Errorf("event = %q, want step_completed (last object wins)", got.Event)
	}

	objs := topLevelObjects(`a {"x":{"y":1}} b {"z":2}`)
	if len(objs) != 2 {
		t.Fatalf("got %d top-level objects, want 2", len(objs))
	}
	if objs[0] != `{"x":{"y":1}}` {
		t.Errorf("nested object split wrong: %q", objs[0])
	}
}

func TestParseRejectsProse(t *testing.T) {
	for _, raw := range []string{
		"",
		"I completed the step successfully and everything looks great.",
		`{"event":"","step":1,"message":"x"}`,
		`{"event":"made_up_event","step":1,"message":"x"}`,
		`{"event":"step_completed","step":1.5,"message":"x"}`,
		`{"event":"step_completed","step":1,"message":""}`,
		`{"step":1,"message":"no event here"}`,
	} {
		if got := ParseText(raw); got != nil {
			t.Errorf("ParseText(%q) = %+v, want nil", raw, got)
		}
	}
}

func TestParseMalformedTypedFallsToText(t *testing.T) {
	typed := &plan.StructuredResponse{Event: "nonsense", Step: 1, Message: "x"}
	raw := `{"event":"step_canceled","step":4,"message":"user asked to stop"}`
	got := Parse(typed, raw)
	if got == nil || got.Event != plan.EventStepCanceled || got.Step != 4 {
		t.Fatalf("expected text fallback, got %+v", got)
	}
}
