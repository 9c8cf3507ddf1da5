package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Factory for tests. It records lifecycle counts so
// tests can assert the create/destroy pairing the engine guarantees.
type Fake struct {
	mu           sync.Mutex
	nextID       int
	AcquireErr   error
	ExecuteErr   error
	Result       Result
	Delay        time.Duration
	CreateCount  int
	DestroyCount int
	ExecuteCount int
	LastCode     string
	LastCSV      string
}

func NewFake() *Fake {
	return &Fake{Result: Result{Stdout: "ok\n"}}
}

func (f *Fake) Acquire(ctx context.Context) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AcquireErr != nil {
		return nil, f.AcquireErr
	}
	f.nextID++
	f.CreateCount++
	return &fakeInstance{fake: f, id: fmt.Sprintf("fake-%d", f.nextID), state: StateReady}, nil
}

type fakeInstance struct {
	fake  *Fake
	id    string
	mu    sync.Mutex
	state State
}

func (i *fakeInstance) ID() string { return i.id }

func (i *fakeInstance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *fakeInstance) Execute(ctx context.Context, code, csvData string, timeout time.Duration) (Result, error) {
	i.mu.Lock()
	if i.state == StateDestroyed {
		i.mu.Unlock()
		return Result{}, ErrDestroyed
	}
	i.state = StateRunning
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		if i.state == StateRunning {
			i.state = StateReady
		}
		i.mu.Unlock()
	}()

	i.fake.mu.Lock()
	i.fake.ExecuteCount++
	i.fake.LastCode = code
	i.fake.LastCSV = csvData
	executeErr := i.fake.ExecuteErr
	result := i.fake.Result
	delay := i.fake.Delay
	i.fake.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		if delay > timeout {
			result.TimedOut = true
		}
	}
	if executeErr != nil {
		return Result{}, executeErr
	}
	return result, nil
}

func (i *fakeInstance) Destroy() error {
	i.mu.Lock()
	alreadyDestroyed := i.state == StateDestroyed
	i.state = StateDestroyed
	i.mu.Unlock()
	if alreadyDestroyed {
		return nil
	}
	i.fake.mu.Lock()
	i.fake.DestroyCount++
	i.fake.mu.Unlock()
	return nil
}
