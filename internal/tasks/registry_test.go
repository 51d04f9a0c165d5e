package tasks

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("noop", func(ctx context.Context, inv Invocation) (any, error) {
		return "ok", nil
	})

	h, err := r.Resolve("noop")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	out, err := h(context.Background(), Invocation{})
	if err != nil || out != "ok" {
		t.Errorf("Handler returned (%v, %v)", out, err)
	}

	_, err = r.Resolve("missing")
	if !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Expected ErrNotRegistered, got %v", err)
	}
}

func TestRegistryPacks(t *testing.T) {
	r := NewRegistry()
	RegisterCore(r)
	r.RegisterPack("johann_extras", map[string]Handler{
		"extra_task": func(ctx context.Context, inv Invocation) (any, error) { return nil, nil },
	})

	packs := r.Packs()
	want := []string{"core", "johann_extras"}
	if !reflect.DeepEqual(packs, want) {
		t.Errorf("Packs() = %v, want %v", packs, want)
	}

	names := r.Names()
	for _, n := range []string{"run_shell_command", "sleep", "select_random", "extra_task"} {
		found := false
		for _, got := range names {
			if got == n {
				found = true
			}
		}
		if !found {
			t.Errorf("Names() missing %q: %v", n, names)
		}
	}
}
