package progress_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/mailverify/internal/progress"
	"github.com/optimode/mailverify/types"
)

func snap(job string, pct float64, status types.Status) types.Progress {
	return types.Progress{JobID: job, Percent: pct, Status: status}
}

func TestHub_LatestWins(t *testing.T) {
	h := progress.NewHub()
	ch, unsub := h.Subscribe("j1")
	defer unsub()

	h.Publish(snap("j1", 10, types.StatusRunning))
	h.Publish(snap("j1", 20, types.StatusRunning))
	h.Publish(snap("j1", 30, types.StatusRunning))

	p := <-ch
	assert.Equal(t, 30.0, p.Percent)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected queued snapshot %v", extra)
	default:
	}
}

func TestHub_TopicsAreIsolated(t *testing.T) {
	h := progress.NewHub()
	a, unsubA := h.Subscribe("a")
	defer unsubA()
	b, unsubB := h.Subscribe("b")
	defer unsubB()

	h.Publish(snap("a", 50, types.StatusRunning))
	assert.Equal(t, 50.0, (<-a).Percent)
	assert.Empty(t, b)
}

func TestHub_FinishDeliversFinalAndCloses(t *testing.T) {
	h := progress.NewHub()
	ch1, unsub1 := h.Subscribe("j")
	ch2, _ := h.Subscribe("j")
	assert.Equal(t, 2, h.Subscribers("j"))

	h.Publish(snap("j", 40, types.StatusRunning))
	h.Finish(snap("j", 100, types.StatusCompleted))

	for _, ch := range []<-chan types.Progress{ch1, ch2} {
		p, ok := <-ch
		require.True(t, ok)
		assert.Equal(t, types.StatusCompleted, p.Status)
		_, ok = <-ch
		assert.False(t, ok)
	}
	assert.Equal(t, 0, h.Subscribers("j"))

	// unsubscribing after Finish must not double-close
	assert.NotPanics(t, unsub1)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := progress.NewHub()
	ch, unsub := h.Subscribe("j")
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { h.Publish(snap("j", 1, types.StatusRunning)) })
}

func TestHub_Shutdown(t *testing.T) {
	h := progress.NewHub()
	ch, _ := h.Subscribe("j")
	h.Shutdown()
	_, ok := <-ch
	assert.False(t, ok)

	late, _ := h.Subscribe("j")
	_, ok = <-late
	assert.False(t, ok)
}
