package rpcclient

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingProgress struct {
	mu     sync.Mutex
	begins []string
	pulses int
	ends   int
}

func (p *recordingProgress) Begin(title string) {
	p.mu.Lock()
	p.begins = append(p.begins, title)
	p.mu.Unlock()
}

func (p *recordingProgress) Pulse() {
	p.mu.Lock()
	p.pulses++
	p.mu.Unlock()
}

func (p *recordingProgress) End() {
	p.mu.Lock()
	p.ends++
	p.mu.Unlock()
}

func TestRunBlockingFastCallShowsNoProgress(t *testing.T) {
	p := &recordingProgress{}
	opts := ProgressOptions{Grace: 200 * time.Millisecond, Pulse: 10 * time.Millisecond}

	v, err := RunBlocking(context.Background(), p, opts, "fast", func(context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Fatalf("unexpected result %d %v", v, err)
	}
	if len(p.begins) != 0 || p.ends != 0 {
		t.Fatalf("expected no progress for a fast call, got begins=%v ends=%d", p.begins, p.ends)
	}
}

func TestRunBlockingSlowCallPulsesUntilDone(t *testing.T) {
	p := &recordingProgress{}
	opts := ProgressOptions{Grace: 10 * time.Millisecond, Pulse: 5 * time.Millisecond}

	v, err := RunBlocking(context.Background(), p, opts, "slow", func(context.Context) (string, error) {
		time.Sleep(80 * time.Millisecond)
		return "done", nil
	})
	if err != nil || v != "done" {
		t.Fatalf("unexpected result %q %v", v, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.begins) != 1 || p.begins[0] != "slow" {
		t.Fatalf("expected one Begin with title, got %v", p.begins)
	}
	if p.pulses == 0 {
		t.Fatalf("expected at least one pulse")
	}
	if p.ends != 1 {
		t.Fatalf("expected one End, got %d", p.ends)
	}
}

func TestRunBlockingWithoutIndicator(t *testing.T) {
	v, err := RunBlocking(context.Background(), nil, DefaultProgressOptions(), "", func(context.Context) (int, error) {
		return 3, nil
	})
	if err != nil || v != 3 {
		t.Fatalf("unexpected result %d %v", v, err)
	}
}
