package retry

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitTimeDefaults(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	cases := map[int]time.Duration{
		0:  5 * time.Second,
		1:  10 * time.Second,
		2:  20 * time.Second,
		3:  40 * time.Second,
		4:  60 * time.Second,
		10: 60 * time.Second,
	}
	for n, want := range cases {
		assert.Equal(t, want, p.WaitTime(n), "WaitTime(%d)", n)
	}
}

func TestWaitTimeNoOverflow(t *testing.T) {
	t.Parallel()
	p := Policy{MaxRetries: 100, BaseDelay: time.Second}
	got := p.WaitTime(200)
	assert.Positive(t, got)
	assert.LessOrEqual(t, int64(got), int64(math.MaxInt64))

	capped := Policy{BaseDelay: time.Second, Cap: time.Minute}
	assert.Equal(t, time.Minute, capped.WaitTime(math.MaxInt32))
	assert.Equal(t, time.Second, capped.WaitTime(-3))
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	for n := 0; n <= 3; n++ {
		assert.True(t, p.ShouldRetry(n), "ShouldRetry(%d)", n)
	}
	assert.False(t, p.ShouldRetry(4))
	assert.Equal(t, 4, p.Attempts())
	assert.False(t, Once().ShouldRetry(1))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultPolicy().Validate())
	require.NoError(t, Once().Validate())
	require.Error(t, Policy{MaxRetries: -1}.Validate())
	require.Error(t, Policy{BaseDelay: time.Minute, Cap: time.Second}.Validate())
}

func TestRunAlwaysFailing(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	r := NewRun("daily_report", DefaultPolicy())
	boom := errors.New("boom")

	var transient, terminal int
	for i := 0; i < 10 && !r.Done(); i++ {
		require.Equal(t, Pending, r.State())
		require.Equal(t, i, r.Attempt())
		err := r.Fail(boom, now)
		var te *TransientError
		var fe *TerminalError
		switch {
		case errors.As(err, &te):
			transient++
			assert.Equal(t, "transient", te.ErrorType())
			assert.Equal(t, Retrying, r.State())
			assert.Equal(t, now.Add(te.Wait), r.Deadline())
			require.NoError(t, r.Resume())
		case errors.As(err, &fe):
			terminal++
			assert.Equal(t, "terminal", fe.ErrorType())
			assert.Equal(t, 4, fe.Attempts)
		default:
			t.Fatalf("unexpected error %v", err)
		}
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, 3, transient)
	assert.Equal(t, 1, terminal)
	assert.Equal(t, Failed, r.State())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, r.Waits())
}

func TestRunFailThenSucceed(t *testing.T) {
	t.Parallel()
	r := NewRun("daily_report", DefaultPolicy())
	err := r.Fail(errors.New("flaky"), time.Unix(0, 0))
	var te *TransientError
	require.ErrorAs(t, err, &te)
	require.NoError(t, r.Resume())
	require.NoError(t, r.Succeed())

	assert.Equal(t, Succeeded, r.State())
	assert.Equal(t, 1, r.Attempt())
	assert.Equal(t, []time.Duration{5 * time.Second}, r.Waits())
	assert.NoError(t, r.Err())
}

func TestRunPermanentSkipsRetry(t *testing.T) {
	t.Parallel()
	r := NewRun("x", DefaultPolicy())
	err := r.Fail(Permanent(errors.New("bad input")), time.Unix(0, 0))
	var fe *TerminalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Attempts)
	assert.Empty(t, r.Waits())
}

func TestRunInvalidTransitions(t *testing.T) {
	t.Parallel()
	r := NewRun("x", DefaultPolicy())
	require.ErrorIs(t, r.Resume(), ErrInvalidTransition)
	require.NoError(t, r.Succeed())
	require.ErrorIs(t, r.Succeed(), ErrInvalidTransition)
	require.ErrorIs(t, r.Fail(errors.New("late"), time.Now()), ErrInvalidTransition)
	assert.False(t, r.Abandon(nil))
}

func TestRunAbandonWhileRetrying(t *testing.T) {
	t.Parallel()
	r := NewRun("x", DefaultPolicy())
	_ = r.Fail(errors.New("boom"), time.Now())
	require.Equal(t, Retrying, r.State())
	assert.True(t, r.Abandon(errors.New("shutdown")))
	assert.Equal(t, Failed, r.State())
	require.ErrorIs(t, r.Resume(), ErrInvalidTransition)
}
