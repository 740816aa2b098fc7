package gameloop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dweam-team/world-arcade/internal/framebuf"
	"github.com/dweam-team/world-arcade/internal/game"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSim logs every callback and step it sees.
type recordingSim struct {
	mu      sync.Mutex
	calls   []string
	steps   int
	held    [][]game.Key
	motions []game.Motion
	params  []game.Params
	stepErr error
	block   chan struct{}
	// entered is closed when the first Step begins.
	entered   chan struct{}
	enterOnce sync.Once
}

func (s *recordingSim) record(c string) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func (s *recordingSim) KeyDown(k game.Key)       { s.record("down:" + k.String()) }
func (s *recordingSim) KeyUp(k game.Key)         { s.record("up:" + k.String()) }
func (s *recordingSim) ButtonDown(b game.Button) { s.record("bdown:" + b.String()) }
func (s *recordingSim) ButtonUp(b game.Button)   { s.record("bup:" + b.String()) }
func (s *recordingSim) Motion(m game.Motion) {
	s.mu.Lock()
	s.motions = append(s.motions, m)
	s.mu.Unlock()
	s.record(fmt.Sprintf("motion:%d,%d", m.DX, m.DY))
}

func (s *recordingSim) UpdateParams(p game.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = append(s.params, p)
	if p.Bool("reject", false) {
		return errors.New("rejected")
	}
	return nil
}

func (s *recordingSim) Step(st game.State) (*framebuf.Frame, error) {
	if s.entered != nil {
		s.enterOnce.Do(func() { close(s.entered) })
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.steps++
	var keys []game.Key
	for k := range st.Keys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	s.held = append(s.held, keys)
	s.mu.Unlock()
	s.record("step")
	if s.stepErr != nil {
		return nil, s.stepErr
	}
	return framebuf.NewFrame(1, 1, 3), nil
}

func (s *recordingSim) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *recordingSim) resetCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// newManualLoop binds sim without starting the goroutine so ticks can be
// driven one at a time.
func newManualLoop(sim game.Simulation) *Loop {
	l := New(Config{})
	l.bind(sim)
	return l
}

func pushAll(l *Loop, evs ...Event) {
	for _, ev := range evs {
		l.Push(ev)
	}
}

func TestDuplicatePressFiresOnce(t *testing.T) {
	sim := &recordingSim{}
	l := newManualLoop(sim)

	pushAll(l, KeyDownEvent(game.KeyA), KeyDownEvent(game.KeyA))
	require.NoError(t, l.runTick())
	pushAll(l, KeyDownEvent(game.KeyA))
	require.NoError(t, l.runTick())

	assert.Equal(t, []string{"down:a", "step", "step"}, sim.Calls())
	assert.Equal(t, [][]game.Key{{game.KeyA}, {game.KeyA}}, sim.held)
}

// scribbler clears the input maps it is handed.
type scribbler struct{ seen []bool }

func (s *scribbler) Step(st game.State) (*framebuf.Frame, error) {
	s.seen = append(s.seen, st.KeyPressed(game.KeyA))
	clear(st.Keys)
	clear(st.Buttons)
	return framebuf.NewFrame(1, 1, 3), nil
}

func TestSimulationCannotCorruptHeldInput(t *testing.T) {
	sim := &scribbler{}
	l := newManualLoop(sim)

	pushAll(l, KeyDownEvent(game.KeyA), ButtonDownEvent(game.ButtonLeft))
	require.NoError(t, l.runTick())
	require.NoError(t, l.runTick())

	assert.Equal(t, []bool{true, true}, sim.seen)
	assert.True(t, l.keys.held[game.KeyA])
	assert.True(t, l.buttons.held[game.ButtonLeft])
}

func TestReleaseOfUnpressedIgnored(t *testing.T) {
	sim := &recordingSim{}
	l := newManualLoop(sim)

	pushAll(l, KeyUpEvent(game.KeyW), ButtonUpEvent(game.ButtonLeft))
	require.NoError(t, l.runTick())

	assert.Equal(t, []string{"step"}, sim.Calls())
}

func TestSameTickReleaseDeferredUntilAfterStep(t *testing.T) {
	sim := &recordingSim{}
	l := newManualLoop(sim)

	pushAll(l, KeyDownEvent(game.KeyA), KeyDownEvent(game.KeyD), KeyUpEvent(game.KeyD), KeyUpEvent(game.KeyA))
	require.NoError(t, l.runTick())

	// The step sees both keys held; releases fire after it in press order.
	assert.Equal(t, []string{"down:a", "down:d", "step", "up:a", "up:d"}, sim.Calls())
	assert.Equal(t, []game.Key{game.KeyA, game.KeyD}, sim.held[0])

	require.NoError(t, l.runTick())
	assert.Empty(t, sim.held[1], "next tick starts clean")
}

func TestReleaseAfterDuplicatePressIsDeferred(t *testing.T) {
	sim := &recordingSim{}
	l := newManualLoop(sim)

	pushAll(l, KeyDownEvent(game.KeyS))
	require.NoError(t, l.runTick())
	sim.resetCalls()

	// Held since last tick; the duplicate press still marks it arrived.
	pushAll(l, KeyDownEvent(game.KeyS), KeyUpEvent(game.KeyS))
	require.NoError(t, l.runTick())
	assert.Equal(t, []string{"step", "up:s"}, sim.Calls())
	assert.Equal(t, []game.Key{game.KeyS}, sim.held[1])
}

func TestReleaseOfKeyHeldFromEarlierTickIsImmediate(t *testing.T) {
	sim := &recordingSim{}
	l := newManualLoop(sim)

	pushAll(l, KeyDownEvent(game.KeyS))
	require.NoError(t, l.runTick())
	sim.resetCalls()

	pushAll(l, KeyUpEvent(game.KeyS))
	require.NoError(t, l.runTick())
	assert.Equal(t, []string{"up:s", "step"}, sim.Calls())
	assert.Empty(t, sim.held[1])
}

func TestPressAfterDeferredReleaseKeepsKeyHeld(t *testing.T) {
	sim := &recordingSim{}
	l := newManualLoop(sim)

	pushAll(l, KeyDownEvent(game.KeyA), KeyUpEvent(game.KeyA), KeyDownEvent(game.KeyA))
	require.NoError(t, l.runTick())
	require.NoError(t, l.runTick())

	assert.Equal(t, []string{"down:a", "step", "step"}, sim.Calls())
	assert.Equal(t, []game.Key{game.KeyA}, sim.held[1])
}

func TestButtonsFollowSameRules(t *testing.T) {
	sim := &recordingSim{}
	l := newManualLoop(sim)

	pushAll(l,
		ButtonDownEvent(game.ButtonLeft),
		ButtonDownEvent(game.ButtonLeft),
		ButtonUpEvent(game.ButtonLeft),
		ButtonUpEvent(game.ButtonRight),
	)
	require.NoError(t, l.runTick())

	assert.Equal(t, []string{"bdown:left", "step", "bup:left"}, sim.Calls())
}

func TestMotionSummedOncePerTick(t *testing.T) {
	sim := &recordingSim{}
	l := newManualLoop(sim)

	pushAll(l, MoveEvent(3, -1), MoveEvent(2, 4), MoveEvent(-1, 0))
	require.NoError(t, l.runTick())
	pushAll(l, MoveEvent(2, 0), MoveEvent(-2, 0))
	require.NoError(t, l.runTick())

	assert.Equal(t, []game.Motion{{DX: 4, DY: 3}}, sim.motions)
	assert.Equal(t, []string{"motion:4,3", "step", "step"}, sim.Calls())
}

// Coalesced key state after a tick matches a reference model of the merge
// rules for a range of event sequences.
func TestCoalescedStateMatchesModel(t *testing.T) {
	keys := []game.Key{game.KeyA, game.KeyD, game.KeyW}
	sequences := [][]Event{
		{KeyDownEvent(game.KeyA), KeyUpEvent(game.KeyA)},
		{KeyUpEvent(game.KeyA), KeyDownEvent(game.KeyA)},
		{KeyDownEvent(game.KeyA), KeyDownEvent(game.KeyD), KeyUpEvent(game.KeyA), KeyUpEvent(game.KeyW)},
		{KeyDownEvent(game.KeyW), KeyUpEvent(game.KeyW), KeyDownEvent(game.KeyW), KeyUpEvent(game.KeyW)},
		{KeyDownEvent(game.KeyD), KeyDownEvent(game.KeyD), KeyDownEvent(game.KeyD)},
	}

	for i, seq := range sequences {
		t.Run(fmt.Sprintf("seq%d", i), func(t *testing.T) {
			sim := &recordingSim{}
			l := newManualLoop(sim)
			pushAll(l, seq...)
			require.NoError(t, l.runTick())

			// During the step: every key pressed at least once this tick is held.
			// After the tick: held iff the last event for it was a press.
			pressed := map[game.Key]bool{}
			last := map[game.Key]EventType{}
			for _, ev := range seq {
				if ev.Type == KeyDown {
					pressed[ev.Key] = true
				}
				last[ev.Key] = ev.Type
			}
			var wantDuring []game.Key
			for _, k := range keys {
				if pressed[k] {
					wantDuring = append(wantDuring, k)
				}
			}
			assert.Equal(t, wantDuring, sim.held[0])

			for _, k := range keys {
				want := pressed[k] && last[k] == KeyDown
				assert.Equal(t, want, l.keys.held[k], "key %s after tick", k)
			}

			var downs, ups int
			for _, c := range sim.Calls() {
				switch c[:2] {
				case "do":
					downs++
				case "up":
					ups++
				}
			}
			assert.LessOrEqual(t, ups, downs, "never more releases than presses")
		})
	}
}

func TestPauseAndSingleStep(t *testing.T) {
	sim := &recordingSim{}
	l := newManualLoop(sim)

	l.DoOneStep() // running: no effect
	require.NoError(t, l.runTick())
	assert.Equal(t, 1, sim.steps)

	l.Pause()
	require.NoError(t, l.runTick())
	require.NoError(t, l.runTick())
	assert.Equal(t, 1, sim.steps, "paused loop must not step")

	l.DoOneStep()
	require.NoError(t, l.runTick())
	assert.Equal(t, 2, sim.steps, "single step runs once")
	assert.True(t, l.Paused(), "single step leaves the loop paused")

	require.NoError(t, l.runTick())
	assert.Equal(t, 2, sim.steps)

	l.Resume()
	require.NoError(t, l.runTick())
	assert.Equal(t, 3, sim.steps)
}

func TestDeferredReleaseSettlesWhilePaused(t *testing.T) {
	sim := &recordingSim{}
	l := newManualLoop(sim)
	l.Pause()

	pushAll(l, KeyDownEvent(game.KeyA), KeyUpEvent(game.KeyA))
	require.NoError(t, l.runTick())

	assert.Equal(t, []string{"down:a", "up:a"}, sim.Calls())
	assert.False(t, l.keys.held[game.KeyA])
}

func TestStepPublishesLatestFrame(t *testing.T) {
	sim := &recordingSim{}
	l := newManualLoop(sim)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.runTick())
	}
	f := l.Frames().TryTake()
	require.NotNil(t, f)
	assert.Equal(t, uint64(3), f.Seq)
	assert.Nil(t, l.Frames().TryTake())
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	l := New(Config{})
	done := make(chan struct{})
	go func() {
		l.Stop()
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop before Start blocked")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	sim := &recordingSim{}
	l := New(Config{FPS: 200})
	require.NoError(t, l.Start(sim))
	assert.ErrorIs(t, l.Start(sim), ErrAlreadyStarted)

	f, err := l.Frames().Take(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, f)

	l.Stop()
	l.Stop()
	select {
	case <-l.Done():
	default:
		t.Fatal("loop still running after Stop")
	}
	assert.NoError(t, l.Err())

	for l.Frames().TryTake() != nil {
	}
	_, err = l.Frames().Take(context.Background())
	assert.ErrorIs(t, err, framebuf.ErrClosed)
}

func TestStopAbandonsStuckLoop(t *testing.T) {
	sim := &recordingSim{block: make(chan struct{}), entered: make(chan struct{})}
	defer close(sim.block)
	l := New(Config{FPS: 100, JoinTimeout: 30 * time.Millisecond})
	require.NoError(t, l.Start(sim))

	select {
	case <-sim.entered:
	case <-time.After(time.Second):
		t.Fatal("loop never reached Step")
	}

	start := time.Now()
	l.Stop()
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, l.abandoned.Load())

	start = time.Now()
	l.Stop()
	assert.Less(t, time.Since(start), 20*time.Millisecond, "second Stop returns immediately")
}

func TestStepErrorEndsLoop(t *testing.T) {
	boom := errors.New("inference failed")
	sim := &recordingSim{stepErr: boom}
	l := New(Config{FPS: 100})
	require.NoError(t, l.Start(sim))

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on step error")
	}
	assert.ErrorIs(t, l.Err(), boom)
}

func TestUpdateParamsAppliedOnLoop(t *testing.T) {
	sim := &recordingSim{}
	l := New(Config{FPS: 100})

	err := l.UpdateParams(context.Background(), game.Params{"x": 1.0})
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, l.Start(sim))
	defer l.Stop()

	require.NoError(t, l.UpdateParams(context.Background(), game.Params{"x": 2.0}))
	assert.Error(t, l.UpdateParams(context.Background(), game.Params{"reject": true}))

	sim.mu.Lock()
	defer sim.mu.Unlock()
	require.Len(t, sim.params, 2)
	assert.Equal(t, 2.0, sim.params[0]["x"])
}
