package runner

import (
	"context"
	"testing"
	"time"
)

type slowDrainer struct {
	delay   time.Duration
	drained chan struct{}
}

func (d *slowDrainer) Drain() error {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	close(d.drained)
	return nil
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d := &slowDrainer{drained: make(chan struct{})}
	var started, stopped bool
	r := NewLifecycleRunner(d, Hooks{
		OnStart: func() { started = true },
		OnStop:  func() { stopped = true },
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for r.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatalf("never reached running state")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return")
	}
	select {
	case <-d.drained:
	default:
		t.Fatalf("drain not called")
	}
	if !started || !stopped {
		t.Fatalf("hooks: started=%v stopped=%v", started, stopped)
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %d", r.State())
	}
}

func TestDrainTimeout(t *testing.T) {
	d := &slowDrainer{delay: time.Second, drained: make(chan struct{})}
	r := NewLifecycleRunner(d, Hooks{}, 20*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = r.Stop()
	}()
	err := r.Run(context.Background())
	if err == nil || err.Error() != "drain timeout" {
		t.Fatalf("err = %v", err)
	}
}

func TestRunAfterStopRejected(t *testing.T) {
	r := NewLifecycleRunner(nil, Hooks{}, time.Second)
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// State already left New, so a Run must fail fast.
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("run after stop accepted")
	}
}
