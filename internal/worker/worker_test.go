package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocr-go/ocr/internal/edt"
	"github.com/ocr-go/ocr/internal/guid"
	"github.com/ocr-go/ocr/internal/scheduler"
)

func newZeroDepEDT(t *testing.T, g guid.GUID, s scheduler.Scheduler, fn edt.Func) *edt.EDT {
	t.Helper()
	tmpl := edt.NewTemplate(guid.GUID(0), fn, 0, 0, "t")
	e, err := edt.Create(edt.CreateParams{GUID: g, Template: tmpl, Location: guid.Location(1), Scheduler: s})
	require.NoError(t, err)
	return e
}

func TestPoolExecutesQueuedEDTs(t *testing.T) {
	s := scheduler.NewFIFO()
	results := make(chan guid.GUID, 5)

	for i := 0; i < 5; i++ {
		g := guid.GUID(i + 1)
		newZeroDepEDT(t, g, s, func(paramc int, paramv []int64, depc int, deps []edt.DepSlot) guid.GUID {
			results <- g
			return guid.Null
		})
	}

	pool := NewPool(2, s, nil)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	seen := map[guid.GUID]bool{}
	for i := 0; i < 5; i++ {
		select {
		case g := <-results:
			seen[g] = true
		case <-time.After(2 * time.Second):
			cancel()
			t.Fatalf("timed out waiting for EDT execution, got %d/5", len(seen))
		}
	}
	require.Len(t, seen, 5)

	cancel()
	pool.Wait()
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	s := scheduler.NewFIFO()
	w := New(0, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestWorkerStopsWhenSchedulerClosed(t *testing.T) {
	s := scheduler.NewFIFO()
	w := New(0, s, nil)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	s.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after scheduler close")
	}
}

func TestExecutePanicIsRecovered(t *testing.T) {
	s := scheduler.NewFIFO()
	e := newZeroDepEDT(t, guid.GUID(9), s, func(paramc int, paramv []int64, depc int, deps []edt.DepSlot) guid.GUID {
		panic("boom")
	})

	w := New(0, s, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker loop did not return after ctx timeout")
	}
	// execute's recover stops the panic from taking down the worker
	// goroutine, but it runs outside Execute's own reap/NotifyDone
	// path: a panicking EDT is left mid-RUNNING rather than reaped.
	require.Equal(t, edt.StateRunning, e.State())
}
