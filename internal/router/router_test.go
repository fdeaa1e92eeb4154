package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conduithq/conduit/internal/providers"
)

// scriptedAdapter serves responses or errors per deployment name.
type scriptedAdapter struct {
	kind    string
	results map[string][]error // per deployment, consumed in order; nil = success
	calls   []string
}

func (a *scriptedAdapter) Kind() string { return a.kind }

func (a *scriptedAdapter) Call(_ context.Context, dep *providers.Deployment, req *providers.Request) (*providers.Response, error) {
	a.calls = append(a.calls, dep.Name)

	queue := a.results[dep.Name]
	var err error
	if len(queue) > 0 {
		err, a.results[dep.Name] = queue[0], queue[1:]
	}
	if err != nil {
		return nil, err
	}
	return &providers.Response{
		ID:      "resp-" + dep.Name,
		Model:   req.Model,
		Content: "ok from " + dep.Name,
		Usage:   providers.Usage{InputTokens: 10, OutputTokens: 20},
	}, nil
}

func dep(id, name, alias string, priority int) *providers.Deployment {
	return &providers.Deployment{
		ID:          id,
		Name:        name,
		Kind:        "fake",
		ModelAlias:  alias,
		TargetModel: "target-" + name,
		Priority:    priority,
		Active:      true,
	}
}

func serverErr(name string) error {
	return &providers.ProviderError{
		Deployment: name,
		Kind:       providers.ErrServerError,
		StatusCode: 500,
		Message:    "upstream exploded",
	}
}

func clientErr(name string) error {
	return &providers.ProviderError{
		Deployment: name,
		Kind:       providers.ErrClientError,
		StatusCode: 400,
		Message:    "bad request",
	}
}

func newTestRouter(adapter *scriptedAdapter, deps ...*providers.Deployment) (*Router, *Registry, *HealthTracker) {
	reg := NewRegistry()
	for _, d := range deps {
		reg.Add(d)
	}
	health := NewHealthTracker(HealthPolicy{FailureThreshold: 2, Cooldown: time.Minute})
	rt := New(reg, health, []providers.Adapter{adapter})
	return rt, reg, health
}

func TestDispatchPriorityOrder(t *testing.T) {
	adapter := &scriptedAdapter{kind: "fake", results: map[string][]error{}}
	rt, _, _ := newTestRouter(adapter,
		dep("d2", "secondary", "gpt-4o", 2),
		dep("d1", "primary", "gpt-4o", 1),
	)

	res, err := rt.Dispatch(context.Background(), "gpt-4o", &providers.Request{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Deployment.Name != "primary" {
		t.Fatalf("served by %s, want primary", res.Deployment.Name)
	}
	if res.Response.Model != "target-primary" {
		t.Fatalf("target model = %s", res.Response.Model)
	}
}

func TestDispatchTieBreakByCreationOrder(t *testing.T) {
	adapter := &scriptedAdapter{kind: "fake", results: map[string][]error{}}
	rt, _, _ := newTestRouter(adapter,
		dep("d1", "older", "gpt-4o", 1),
		dep("d2", "newer", "gpt-4o", 1),
	)

	res, err := rt.Dispatch(context.Background(), "gpt-4o", &providers.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Deployment.Name != "older" {
		t.Fatalf("served by %s, want older (same priority, created first)", res.Deployment.Name)
	}
}

func TestDispatchFailsOverOnServerError(t *testing.T) {
	adapter := &scriptedAdapter{kind: "fake", results: map[string][]error{
		"primary": {serverErr("primary")},
	}}
	rt, _, _ := newTestRouter(adapter,
		dep("d1", "primary", "gpt-4o", 1),
		dep("d2", "secondary", "gpt-4o", 2),
	)

	res, err := rt.Dispatch(context.Background(), "gpt-4o", &providers.Request{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Deployment.Name != "secondary" {
		t.Fatalf("served by %s, want secondary", res.Deployment.Name)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(res.Attempts))
	}
	if res.Attempts[0].Kind != "server_error" || res.Attempts[1].Kind != "ok" {
		t.Fatalf("transcript = %+v", res.Attempts)
	}
}

// hangingAdapter never answers from the named deployment: it blocks until the
// attempt context expires. Everything else answers immediately.
type hangingAdapter struct {
	hang string
}

func (a *hangingAdapter) Kind() string { return "fake" }

func (a *hangingAdapter) Call(ctx context.Context, dep *providers.Deployment, req *providers.Request) (*providers.Response, error) {
	if dep.Name == a.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &providers.Response{
		ID:      "resp-" + dep.Name,
		Model:   req.Model,
		Content: "ok from " + dep.Name,
	}, nil
}

func TestDispatchFailsOverOnTimeout(t *testing.T) {
	adapter := &hangingAdapter{hang: "primary"}

	reg := NewRegistry()
	reg.Add(dep("d1", "primary", "gpt-4o", 1))
	reg.Add(dep("d2", "secondary", "gpt-4o", 2))
	health := NewHealthTracker(HealthPolicy{FailureThreshold: 2, Cooldown: time.Minute})
	rt := New(reg, health, []providers.Adapter{adapter},
		WithAttemptTimeout(50*time.Millisecond),
	)

	res, err := rt.Dispatch(context.Background(), "gpt-4o", &providers.Request{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Deployment.Name != "secondary" {
		t.Fatalf("served by %s, want secondary after primary timed out", res.Deployment.Name)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %+v, want 2", res.Attempts)
	}
	if res.Attempts[0].Kind != "timeout" {
		t.Fatalf("first attempt kind = %q, want timeout", res.Attempts[0].Kind)
	}
	if res.Attempts[1].Kind != "ok" {
		t.Fatalf("second attempt kind = %q, want ok", res.Attempts[1].Kind)
	}

	// The attempt deadline is per deployment, not per dispatch: the caller's
	// own context was never cancelled, so the walk continued.
	if health.Healthy("d1") != true {
		t.Fatal("one timeout below threshold benched the deployment")
	}
}

func TestDispatchStopsOnClientError(t *testing.T) {
	adapter := &scriptedAdapter{kind: "fake", results: map[string][]error{
		"primary": {clientErr("primary")},
	}}
	rt, _, _ := newTestRouter(adapter,
		dep("d1", "primary", "gpt-4o", 1),
		dep("d2", "secondary", "gpt-4o", 2),
	)

	_, err := rt.Dispatch(context.Background(), "gpt-4o", &providers.Request{})
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("err = %v, want TerminalError", err)
	}
	if len(adapter.calls) != 1 {
		t.Fatalf("calls = %v, client fault must not fail over", adapter.calls)
	}
}

func TestDispatchExhausted(t *testing.T) {
	adapter := &scriptedAdapter{kind: "fake", results: map[string][]error{
		"primary":   {serverErr("primary")},
		"secondary": {serverErr("secondary")},
	}}
	rt, _, _ := newTestRouter(adapter,
		dep("d1", "primary", "gpt-4o", 1),
		dep("d2", "secondary", "gpt-4o", 2),
	)

	_, err := rt.Dispatch(context.Background(), "gpt-4o", &providers.Request{})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if len(exhausted.Attempts) != 2 {
		t.Fatalf("attempts = %+v", exhausted.Attempts)
	}
}

func TestDispatchUnknownAlias(t *testing.T) {
	adapter := &scriptedAdapter{kind: "fake", results: map[string][]error{}}
	rt, _, _ := newTestRouter(adapter)

	if _, err := rt.Dispatch(context.Background(), "no-such-model", &providers.Request{}); !errors.Is(err, ErrNoDeployments) {
		t.Fatalf("err = %v, want ErrNoDeployments", err)
	}
}

func TestDispatchSkipsUnhealthyUnlessLastResort(t *testing.T) {
	adapter := &scriptedAdapter{kind: "fake", results: map[string][]error{}}
	rt, _, health := newTestRouter(adapter,
		dep("d1", "primary", "gpt-4o", 1),
		dep("d2", "secondary", "gpt-4o", 2),
	)

	// Bench the primary.
	health.RecordFailure("d1")
	health.RecordFailure("d1")

	res, err := rt.Dispatch(context.Background(), "gpt-4o", &providers.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Deployment.Name != "secondary" {
		t.Fatalf("served by %s, want secondary while primary is benched", res.Deployment.Name)
	}

	// Bench the secondary too: the benched primary is the only option left
	// and must still be attempted.
	health.RecordFailure("d2")
	health.RecordFailure("d2")

	res, err = rt.Dispatch(context.Background(), "gpt-4o", &providers.Request{})
	if err != nil {
		t.Fatalf("Dispatch with all benched: %v", err)
	}
	if res.Deployment.Name != "primary" {
		t.Fatalf("served by %s, want primary as last resort", res.Deployment.Name)
	}
}

func TestHealthRecoversAfterCooldown(t *testing.T) {
	health := NewHealthTracker(HealthPolicy{FailureThreshold: 2, Cooldown: time.Minute})
	now := time.Now()
	health.now = func() time.Time { return now }

	health.RecordFailure("d1")
	if !health.Healthy("d1") {
		t.Fatal("one failure below threshold benched the deployment")
	}
	health.RecordFailure("d1")
	if health.Healthy("d1") {
		t.Fatal("threshold reached but deployment still healthy")
	}

	now = now.Add(time.Minute + time.Second)
	if !health.Healthy("d1") {
		t.Fatal("cooldown lapsed but deployment still benched")
	}
}

func TestHealthSuccessResetsStreak(t *testing.T) {
	health := NewHealthTracker(HealthPolicy{FailureThreshold: 2, Cooldown: time.Minute})

	health.RecordFailure("d1")
	health.RecordSuccess("d1")
	health.RecordFailure("d1")
	if !health.Healthy("d1") {
		t.Fatal("streak did not reset on success")
	}

	snap := health.Snapshot()
	if snap["d1"] != "healthy" {
		t.Fatalf("snapshot = %v", snap)
	}
}

func TestRegistryInactiveExcluded(t *testing.T) {
	reg := NewRegistry()
	d := dep("d1", "primary", "gpt-4o", 1)
	reg.Add(d)

	if got := len(reg.Candidates("gpt-4o")); got != 1 {
		t.Fatalf("candidates = %d, want 1", got)
	}

	reg.SetActive("d1", false)
	if got := len(reg.Candidates("gpt-4o")); got != 0 {
		t.Fatalf("candidates after deactivation = %d, want 0", got)
	}
	if aliases := reg.Aliases(); len(aliases) != 0 {
		t.Fatalf("aliases = %v, want empty", aliases)
	}
}

func TestRegistrySeqAssignment(t *testing.T) {
	reg := NewRegistry()

	restored := dep("d1", "restored", "m", 1)
	restored.Seq = 7
	reg.Add(restored)

	fresh := dep("d2", "fresh", "m", 1)
	reg.Add(fresh)

	if fresh.Seq <= restored.Seq {
		t.Fatalf("fresh seq %d not after restored seq %d", fresh.Seq, restored.Seq)
	}
}
