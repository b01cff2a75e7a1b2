package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guild-archiver/models"
)

const mb = 1024 * 1024

func newTestGovernor(usage *atomic.Uint64) *Governor {
	g := New(models.MemoryConfig{LimitMB: 100, ScaleFactor: 0.5, Pause: time.Hour}, nil)
	g.SetSampler(func() (uint64, error) { return usage.Load(), nil })
	g.SetSleeper(func(context.Context, time.Duration) {})
	return g
}

func TestEffectiveLimit(t *testing.T) {
	g := New(models.MemoryConfig{LimitMB: 1024, ScaleFactor: 0.85}, nil)
	scale := 0.85
	assert.Equal(t, uint64(scale*1024*mb), g.EffectiveLimit())
}

func TestBelowLimitDoesNothing(t *testing.T) {
	var usage atomic.Uint64
	usage.Store(40 * mb)
	g := newTestGovernor(&usage)
	reclaims := 0
	g.SetReclaimer(func() { reclaims++ })

	assert.False(t, g.CheckAndHandle(context.Background(), TriggerTimer))
	assert.Zero(t, reclaims)
	assert.NoError(t, g.Wait(context.Background()))
}

func TestReclaimBringsUsageDown(t *testing.T) {
	var usage atomic.Uint64
	usage.Store(80 * mb)
	g := newTestGovernor(&usage)
	reclaims := 0
	slept := false
	g.SetReclaimer(func() {
		reclaims++
		usage.Store(10 * mb)
	})
	g.SetSleeper(func(context.Context, time.Duration) { slept = true })

	var events []bool
	g.OnThrottle(func(th bool) { events = append(events, th) })

	assert.True(t, g.CheckAndHandle(context.Background(), TriggerTimer))
	assert.Equal(t, 1, reclaims)
	assert.False(t, slept)
	assert.Equal(t, []bool{true, false}, events)
	assert.False(t, g.Throttled())
}

func TestEscalatesWhenStillAboveLimit(t *testing.T) {
	var usage atomic.Uint64
	usage.Store(80 * mb)
	g := newTestGovernor(&usage)
	reclaims := 0
	var pause time.Duration
	g.SetReclaimer(func() { reclaims++ })
	g.SetSleeper(func(_ context.Context, d time.Duration) { pause = d })

	assert.True(t, g.CheckAndHandle(context.Background(), TriggerCrawler))
	assert.Equal(t, 2, reclaims)
	assert.Equal(t, time.Hour, pause)
}

func TestConcurrentTriggersRunOneCleanup(t *testing.T) {
	var usage atomic.Uint64
	usage.Store(80 * mb)
	g := newTestGovernor(&usage)

	entered := make(chan struct{})
	release := make(chan struct{})
	var passes atomic.Int32
	g.SetReclaimer(func() {
		if passes.Add(1) == 1 {
			close(entered)
			<-release
		}
		usage.Store(10 * mb)
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.True(t, g.CheckAndHandle(context.Background(), TriggerTimer))
	}()
	<-entered
	require.True(t, g.Throttled())

	// A second trigger while the first is in flight is a no-op.
	usage.Store(80 * mb)
	assert.False(t, g.CheckAndHandle(context.Background(), TriggerCrawler))

	// Ingestion waits for the cleanup to finish.
	waited := make(chan struct{})
	go func() {
		assert.NoError(t, g.Wait(context.Background()))
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned while cleanup was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	<-waited
	assert.EqualValues(t, 1, passes.Load())
	assert.False(t, g.Throttled())
}

func TestWaitHonoursContext(t *testing.T) {
	var usage atomic.Uint64
	usage.Store(80 * mb)
	g := newTestGovernor(&usage)
	release := make(chan struct{})
	entered := make(chan struct{})
	g.SetReclaimer(func() {
		select {
		case <-entered:
		default:
			close(entered)
		}
		<-release
	})
	go g.CheckAndHandle(context.Background(), TriggerTimer)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
	close(release)
}

func TestProcessRSS(t *testing.T) {
	rss, err := ProcessRSS()
	require.NoError(t, err)
	assert.Positive(t, rss)
}
