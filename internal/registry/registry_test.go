package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dskow/breaker-core/internal/breaker"
	"github.com/dskow/breaker-core/internal/metrics"
)

func init() {
	metrics.Init()
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := New(nil)

	b1 := r.GetBreaker("admin-api", breaker.Options{})
	defer b1.Stop()
	b2 := r.GetBreaker("admin-api", breaker.Options{})

	if b1 != b2 {
		t.Fatal("expected the same breaker instance for the same name")
	}
	if b1.Name() != "admin-api" {
		t.Fatalf("expected name set from registry key, got %q", b1.Name())
	}

	b3 := r.GetBreaker("customer-api", breaker.Options{})
	defer b3.Stop()
	if b3 == b1 {
		t.Fatal("expected distinct breakers for distinct names")
	}
}

func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	r := New(nil)
	defer r.StopAll()

	const goroutines = 50
	results := make([]*breaker.Breaker, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetBreaker("x", breaker.Options{})
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent get-or-create produced distinct instances")
		}
	}
	if len(r.Names()) != 1 {
		t.Fatalf("expected exactly 1 breaker, got %v", r.Names())
	}
}

func TestRegistry_GetAllStatuses(t *testing.T) {
	r := New(nil)
	defer r.StopAll()

	r.GetBreaker("b", breaker.Options{})
	r.GetBreaker("a", breaker.Options{})

	statuses := r.GetAllStatuses()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "a" || statuses[1].Name != "b" {
		t.Fatalf("expected statuses sorted by name, got %q, %q", statuses[0].Name, statuses[1].Name)
	}
	if statuses[0].State != "closed" {
		t.Fatalf("expected closed state, got %q", statuses[0].State)
	}
}

func TestRegistry_ResetAll(t *testing.T) {
	r := New(nil)
	defer r.StopAll()

	a := r.GetBreaker("a", breaker.Options{})
	b := r.GetBreaker("b", breaker.Options{})
	a.ForceOpen()
	b.ForceOpen()

	r.ResetAll()

	if a.State() != breaker.StateClosed || b.State() != breaker.StateClosed {
		t.Fatalf("expected all breakers closed, got %v / %v", a.State(), b.State())
	}
}

func TestRegistry_RemoveBreaker(t *testing.T) {
	r := New(nil)

	b := r.GetBreaker("a", breaker.Options{Threshold: 2})
	if !r.RemoveBreaker("a") {
		t.Fatal("expected removal of existing breaker")
	}
	if r.RemoveBreaker("a") {
		t.Fatal("expected second removal to report false")
	}
	if r.Get("a") != nil {
		t.Fatal("expected breaker evicted")
	}

	// A caller still holding the evicted breaker uses it normally.
	errDown := errors.New("down")
	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errDown
	})
	if !errors.Is(err, errDown) {
		t.Fatalf("expected evicted breaker to still execute, got %v", err)
	}
	if b.Status().Lifetime.Requests != 1 {
		t.Fatalf("expected request recorded on evicted breaker, got %d", b.Status().Lifetime.Requests)
	}
}
