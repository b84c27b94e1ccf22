package enrich

import (
	"context"
	"log/slog"
	"testing"
)

func addField(key string, value any) Func {
	return func(ctx context.Context, logger *slog.Logger, event Event) (Event, error) {
		if _, exists := event[key]; exists {
			return event, nil
		}
		event[key] = value
		return event, nil
	}
}

func TestRegisterFuncRejectsDuplicateName(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.RegisterFunc(Metadata{Name: "a"}, addField("a", 1)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.RegisterFunc(Metadata{Name: "a"}, addField("a", 1)); err == nil {
		t.Fatal("expected error for duplicate name")
	}
}

func TestRegisterFuncRejectsUnresolvedDependency(t *testing.T) {
	r := NewRegistry(nil)
	err := r.RegisterFunc(Metadata{Name: "b", Dependencies: []string{"a"}}, addField("b", 1))
	if err == nil {
		t.Fatal("expected error for dependency on unregistered enricher")
	}
}

func TestResolveOrderRespectsDependenciesAndPriority(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, Metadata{Name: "a", Priority: 10}, addField("a", 1))
	mustRegister(t, r, Metadata{Name: "b", Priority: 20, Dependencies: []string{"a"}}, addField("b", 1))
	mustRegister(t, r, Metadata{Name: "c", Priority: 5}, addField("c", 1))

	order, err := r.ResolveOrder([]string{"b", "a", "c"})
	if err != nil {
		t.Fatalf("ResolveOrder: %v", err)
	}
	// a must precede b (dependency); c has lowest priority among
	// independents and should come before a.
	idx := func(name string) int {
		for i, n := range order {
			if n == name {
				return i
			}
		}
		return -1
	}
	if idx("a") >= idx("b") {
		t.Fatalf("expected a before b, got order %v", order)
	}
	if idx("c") >= idx("a") {
		t.Fatalf("expected c before a (lower priority), got order %v", order)
	}
}

func TestResolveOrderDetectsCycle(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, Metadata{Name: "a"}, addField("a", 1))
	mustRegister(t, r, Metadata{Name: "b", Dependencies: []string{"a"}}, addField("b", 1))

	// Manually introduce a cycle by registering a new entry whose
	// dependency set references b, then rewiring a to depend on it.
	mustRegister(t, r, Metadata{Name: "c", Dependencies: []string{"b"}}, addField("c", 1))
	r.entries["a"].meta.Dependencies = []string{"c"}

	if _, err := r.ResolveOrder([]string{"a", "b", "c"}); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestResolveLevelsGroupsIndependents(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, Metadata{Name: "a", Priority: 10}, addField("a", 1))
	mustRegister(t, r, Metadata{Name: "b", Priority: 20, Dependencies: []string{"a"}}, addField("b", 1))
	mustRegister(t, r, Metadata{Name: "c", Priority: 10}, addField("c", 1))

	levels, err := r.ResolveLevels([]string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("ResolveLevels: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d: %v", len(levels), levels)
	}
	first := map[string]bool{}
	for _, n := range levels[0] {
		first[n] = true
	}
	if !first["a"] || !first["c"] {
		t.Fatalf("expected a and c in the first level, got %v", levels[0])
	}
	if len(levels[1]) != 1 || levels[1][0] != "b" {
		t.Fatalf("expected b alone in the second level, got %v", levels[1])
	}
}

func TestResolveLevelsDetectsCycle(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, Metadata{Name: "a"}, addField("a", 1))
	mustRegister(t, r, Metadata{Name: "b", Dependencies: []string{"a"}}, addField("b", 1))
	mustRegister(t, r, Metadata{Name: "c", Dependencies: []string{"b"}}, addField("c", 1))
	r.entries["a"].meta.Dependencies = []string{"c"}

	if _, err := r.ResolveLevels([]string{"a", "b", "c"}); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestRunSyncSkipsUnknownAndNeverOverwrites(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, Metadata{Name: "a"}, addField("user_id", "enriched"))

	event := Event{"user_id": "original"}
	out := r.RunSync(context.Background(), "a", event)
	if out["user_id"] != "original" {
		t.Errorf("user_id = %v, want original (enrichers must not overwrite)", out["user_id"])
	}

	// Unknown enricher name is a no-op.
	out2 := r.RunSync(context.Background(), "missing", event)
	if out2["user_id"] != "original" {
		t.Errorf("expected unchanged event for unknown enricher")
	}
}

func TestRunSyncRecoversFromPanic(t *testing.T) {
	r := NewRegistry(nil)
	mustRegister(t, r, Metadata{Name: "panics"}, func(ctx context.Context, logger *slog.Logger, event Event) (Event, error) {
		panic("boom")
	})
	event := Event{"k": "v"}
	out := r.RunSync(context.Background(), "panics", event)
	if out["k"] != "v" {
		t.Fatal("expected event preserved after enricher panic")
	}
}

func TestActivateHonorsConditions(t *testing.T) {
	r := NewRegistry(nil)
	always := func(ac ActivationContext) bool { return ac.Level == "error" }
	mustRegister(t, r, Metadata{Name: "a", Conditions: []Condition{always}}, addField("a", 1))

	if r.Activate("a", ActivationContext{Level: "info"}) {
		t.Error("expected condition to block activation at info level")
	}
	if !r.Activate("a", ActivationContext{Level: "error"}) {
		t.Error("expected condition to allow activation at error level")
	}
}

func mustRegister(t *testing.T, r *Registry, meta Metadata, fn Func) {
	t.Helper()
	if err := r.RegisterFunc(meta, fn); err != nil {
		t.Fatalf("RegisterFunc(%s): %v", meta.Name, err)
	}
}
