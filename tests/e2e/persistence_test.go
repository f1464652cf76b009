//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voidwalker/autopilot/internal/control"
	"github.com/voidwalker/autopilot/internal/plan"
	pgstore "github.com/voidwalker/autopilot/internal/store"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testStore, err = pgstore.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

func seedPlan(t *testing.T, instanceID string) *plan.Plan {
	t.Helper()
	p := &plan.Plan{
		InstanceID: instanceID,
		Title:      "Post product update",
		Steps: []plan.Step{
			{Order: 1, Title: "Open dashboard", Instructions: "Navigate to the dashboard"},
			{Order: 2, Title: "Publish", Instructions: "Publish the update"},
		},
	}
	if err := testStore.CreatePlan(context.Background(), p); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

func TestPlanRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := seedPlan(t, "e2e-inst-roundtrip")

	got, err := testStore.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if got.Title != p.Title || got.TotalSteps != 2 || len(got.Steps) != 2 {
		t.Fatalf("plan = %+v", got)
	}
	if got.Status != plan.PlanPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.CurrentStep() == nil || got.CurrentStep().Order != 1 {
		t.Fatal("current step should be the first")
	}

	active, err := testStore.FindActivePlanByInstance(ctx, "e2e-inst-roundtrip")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if active.ID != p.ID {
		t.Fatal("active plan lookup returned the wrong plan")
	}
}

func TestStepLifecycleAndProgress(t *testing.T) {
	ctx := context.Background()
	p := seedPlan(t, "e2e-inst-lifecycle")

	if err := testStore.MarkPlanStarted(ctx, p.ID); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	st := p.Steps[0]
	if err := testStore.UpdateStepStatus(ctx, st.ID, plan.StepInProgress, ""); err != nil {
		t.Fatalf("step in_progress: %v", err)
	}
	if err := testStore.UpdateStepStatus(ctx, st.ID, plan.StepCompleted, "dashboard open"); err != nil {
		t.Fatalf("step completed: %v", err)
	}
	if err := testStore.UpdatePlanProgress(ctx, p.ID, 1); err != nil {
		t.Fatalf("progress: %v", err)
	}

	// A terminal step never transitions again.
	if err := testStore.UpdateStepStatus(ctx, st.ID, plan.StepFailed, "late write"); err != nil {
		t.Fatalf("late write: %v", err)
	}

	got, err := testStore.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if got.Status != plan.PlanInProgress {
		t.Fatalf("plan status = %s, want in_progress", got.Status)
	}
	if got.CompletedSteps != 1 {
		t.Fatalf("completed = %d, want 1", got.CompletedSteps)
	}
	if got.Steps[0].Status != plan.StepCompleted || got.Steps[0].Result != "dashboard open" {
		t.Fatalf("step = %+v, want completed with original result", got.Steps[0])
	}
	if got.CurrentStep().Order != 2 {
		t.Fatal("current step should advance to the second")
	}
}

func TestPlanFailureRecordsReason(t *testing.T) {
	ctx := context.Background()
	p := seedPlan(t, "e2e-inst-failure")

	if err := testStore.UpdatePlanStatus(ctx, p.ID, plan.PlanFailed, "instance not running"); err != nil {
		t.Fatalf("fail plan: %v", err)
	}
	got, err := testStore.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if got.Status != plan.PlanFailed || got.FailureReason != "instance not running" {
		t.Fatalf("plan = status %s reason %q", got.Status, got.FailureReason)
	}

	// A failed plan is no longer active for its instance.
	if _, err := testStore.FindActivePlanByInstance(ctx, "e2e-inst-failure"); err == nil {
		t.Fatal("failed plan must not be returned as active")
	}
}

func TestSessionUpsertAndTouch(t *testing.T) {
	ctx := context.Background()
	const inst = "e2e-inst-sessions"

	sess := &plan.AuthSession{
		InstanceID: inst,
		Domain:     "linkedin.com",
		Platform:   "linkedin",
		AuthType:   plan.AuthCookies,
		State:      []byte(`{"cookies":[]}`),
	}
	if err := testStore.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	// Same instance + domain: the snapshot is replaced, not duplicated.
	expiry := time.Now().Add(24 * time.Hour).UTC()
	if err := testStore.SaveSession(ctx, &plan.AuthSession{
		InstanceID: inst,
		Domain:     "linkedin.com",
		Platform:   "linkedin",
		AuthType:   plan.AuthCookies,
		State:      []byte(`{"cookies":["fresh"]}`),
		ExpiresAt:  &expiry,
	}); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	sessions, err := testStore.ListSessionsByInstance(ctx, inst)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1 after upsert", len(sessions))
	}
	if sessions[0].ExpiresAt == nil {
		t.Fatal("expiry lost on upsert")
	}

	if err := testStore.TouchSession(ctx, sessions[0].ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	sessions, _ = testStore.ListSessionsByInstance(ctx, inst)
	if sessions[0].UseCount != 1 || sessions[0].LastUsedAt == nil {
		t.Fatalf("usage not recorded: %+v", sessions[0])
	}

	if err := testStore.InvalidateSession(ctx, sessions[0].ID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	sessions, _ = testStore.ListSessionsByInstance(ctx, inst)
	if !sessions[0].Expired(time.Now()) {
		t.Fatal("invalidated session must report expired")
	}
}

func TestSessionRequestAudit(t *testing.T) {
	err := testStore.RecordSessionRequest(context.Background(),
		"e2e-inst-audit", "github", "github.com", plan.AuthOAuth)
	if err != nil {
		t.Fatalf("record request: %v", err)
	}
}

func TestExecutionLogHierarchy(t *testing.T) {
	ctx := context.Background()
	p := seedPlan(t, "e2e-inst-logs")
	st := p.Steps[0]

	parentID, err := testStore.InsertLogEntry(ctx, &plan.ExecutionLogEntry{
		PlanID:       p.ID,
		StepID:       st.ID,
		Kind:         plan.LogAgentAction,
		Input:        st.Instructions,
		Output:       "dashboard open",
		DurationMS:   4200,
		PromptTokens: 900,
	})
	if err != nil {
		t.Fatalf("insert parent: %v", err)
	}

	_, err = testStore.InsertLogEntry(ctx, &plan.ExecutionLogEntry{
		PlanID:     p.ID,
		StepID:     st.ID,
		ParentID:   &parentID,
		Kind:       plan.LogToolCall,
		Tool:       "computer",
		Input:      `{"action":"navigate","url":"https://example.com"}`,
		Output:     "navigated",
		Screenshot: []byte{0x89, 0x50, 0x4e, 0x47},
		DurationMS: 800,
	})
	if err != nil {
		t.Fatalf("insert child: %v", err)
	}

	entries, err := testStore.ListLogEntries(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	var child *plan.ExecutionLogEntry
	for i := range entries {
		if entries[i].Kind == plan.LogToolCall {
			child = &entries[i]
		}
	}
	if child == nil || child.ParentID == nil || *child.ParentID != parentID {
		t.Fatal("tool call must reference its parent entry")
	}

	// Orphan tolerance: a child with no parent still lands.
	if _, err := testStore.InsertLogEntry(ctx, &plan.ExecutionLogEntry{
		PlanID: p.ID,
		StepID: st.ID,
		Kind:   plan.LogToolCall,
		Tool:   "shell",
		Output: "orphaned",
	}); err != nil {
		t.Fatalf("orphan insert: %v", err)
	}

	summaries, err := testStore.RecentStepSummaries(ctx, p.ID, 5)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(summaries) != 1 || summaries[0] != "dashboard open" {
		t.Fatalf("summaries = %v", summaries)
	}
}

func TestControlFlagsRoundTrip(t *testing.T) {
	ctx := context.Background()
	flags, err := control.New(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("flags: %v", err)
	}
	planID := uuid.New()

	if st := flags.State(ctx, planID); st.Paused || st.Stopped {
		t.Fatal("fresh plan must have no flags")
	}

	if err := flags.SetPause(ctx, planID); err != nil {
		t.Fatalf("set pause: %v", err)
	}
	if st := flags.State(ctx, planID); !st.Paused {
		t.Fatal("pause flag not visible")
	}

	if err := flags.ClearPause(ctx, planID); err != nil {
		t.Fatalf("clear pause: %v", err)
	}
	if err := flags.SetStop(ctx, planID); err != nil {
		t.Fatalf("set stop: %v", err)
	}
	st := flags.State(ctx, planID)
	if st.Paused || !st.Stopped {
		t.Fatalf("state = %+v, want stopped only", st)
	}
}
