package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func acquireLocal(t *testing.T, runtime *Runtime, name string) *Coordinator {
	coordinator, err := runtime.Acquire(context.Background(), &Config{
		Name: name,
	})
	assert.Equal(t, err, nil)
	return coordinator
}

func TestAcquireIsIdempotent(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	first := acquireLocal(t, runtime, "mydoc")
	second := acquireLocal(t, runtime, "mydoc")
	assert.Equal(t, first == second, true)

	// a different document name is a different identity
	other := acquireLocal(t, runtime, "otherdoc")
	assert.Equal(t, first == other, false)
}

func TestConcurrentAcquireConvergesOnOneHandle(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	n := 8
	coordinators := make([]*Coordinator, n)
	wg := sync.WaitGroup{}
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			coordinators[i] = acquireLocal(t, runtime, "mydoc")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i += 1 {
		assert.Equal(t, coordinators[0] == coordinators[i], true)
	}
}

func TestDestroyRetiresTheHandle(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	first := acquireLocal(t, runtime, "mydoc")
	err := first.Store().SetValue("app", "genie")
	assert.Equal(t, err, nil)

	first.Destroy()
	assert.Equal(t, first.IsActive(), false)
	// destroy is idempotent
	first.Destroy()

	second := acquireLocal(t, runtime, "mydoc")
	assert.Equal(t, first == second, false)
	assert.Equal(t, second.IsActive(), true)
}

func TestFindUserCoordinatorPrefersNonGuest(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	assert.Equal(t, runtime.FindUserCoordinator(nil) == nil, true)

	guest := acquireLocal(t, runtime, "g-user-tbl-guest")
	assert.Equal(t, runtime.FindUserCoordinator(nil) == guest, true)

	alice := acquireLocal(t, runtime, "g-user-tbl-alice")
	acquireLocal(t, runtime, "unrelated")
	assert.Equal(t, runtime.FindUserCoordinator(nil) == alice, true)

	// excluding skips the handle asking for its sibling
	assert.Equal(t, runtime.FindUserCoordinator(alice) == guest, true)
}

func TestFindUserCoordinatorSkipsDestroyed(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	alice := acquireLocal(t, runtime, "g-user-tbl-alice")
	guest := acquireLocal(t, runtime, "g-user-tbl-guest")

	alice.Destroy()
	assert.Equal(t, runtime.FindUserCoordinator(nil) == guest, true)
}

func TestRegistryAll(t *testing.T) {
	runtime := newTestRuntime(t, nil)

	for i := 0; i < 3; i += 1 {
		acquireLocal(t, runtime, fmt.Sprintf("doc%d", i))
	}
	assert.Equal(t, len(runtime.Registry().all()), 3)
}
