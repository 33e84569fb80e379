package enrollment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/crm-automation/pkg/core/clock"
	"github.com/LENAX/crm-automation/pkg/core/enrollment"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestTransition_Lifecycle(t *testing.T) {
	e := enrollment.New("org-1", "wf-1", "client-1", "appointment_completed", "step-1", t0)
	require.Equal(t, enrollment.StatusActive, e.Status)
	require.NotNil(t, e.NextExecutionAt)

	require.NoError(t, e.Pause(t0.Add(time.Minute)))
	assert.Nil(t, e.NextExecutionAt)
	assert.NotNil(t, e.PausedAt)
	require.NoError(t, e.Pause(t0.Add(2*time.Minute)), "pause is idempotent")

	require.NoError(t, e.Resume(t0.Add(time.Hour)))
	require.NotNil(t, e.NextExecutionAt)
	assert.Equal(t, t0.Add(time.Hour), *e.NextExecutionAt)
	assert.NotNil(t, e.ResumedAt)

	require.NoError(t, e.Complete(t0.Add(2*time.Hour)))
	assert.Nil(t, e.NextExecutionAt)
	assert.Empty(t, e.CurrentStep)
	assert.NotNil(t, e.CompletedAt)
}

func TestTransition_TerminalStatesAreFinal(t *testing.T) {
	for _, terminal := range []enrollment.Status{enrollment.StatusCompleted, enrollment.StatusCancelled, enrollment.StatusFailed} {
		e := enrollment.New("org-1", "wf-1", "client-1", "manual", "", t0)
		require.NoError(t, e.Transition(terminal, t0))
		for _, to := range []enrollment.Status{enrollment.StatusActive, enrollment.StatusPaused} {
			err := e.Transition(to, t0)
			assert.True(t, errors.Is(err, enrollment.ErrInvalidTransition), "%s -> %s", terminal, to)
		}
		assert.Error(t, e.ScheduleStep("x", t0, t0))
		require.NoError(t, e.Transition(terminal, t0), "same state is a no-op")
	}
}

func TestTransition_PausedCannotCompleteOrFail(t *testing.T) {
	e := enrollment.New("org-1", "wf-1", "client-1", "manual", "s1", t0)
	require.NoError(t, e.Pause(t0))
	assert.ErrorIs(t, e.Complete(t0), enrollment.ErrInvalidTransition)
	assert.ErrorIs(t, e.Fail("boom", t0), enrollment.ErrInvalidTransition)
	require.NoError(t, e.Cancel(t0))
}

func TestResume_KeepsFutureWait(t *testing.T) {
	e := enrollment.New("org-1", "wf-1", "client-1", "manual", "wait", t0)
	require.NoError(t, e.WaitOn("wait", t0.Add(24*time.Hour), t0))
	require.NoError(t, e.Pause(t0.Add(time.Hour)))

	// 暂停期间推进指针写入 pending，而不是 nextExecutionAt
	require.NoError(t, e.ScheduleStep("sms", t0.Add(30*time.Hour), t0.Add(2*time.Hour)))
	assert.Nil(t, e.NextExecutionAt)

	require.NoError(t, e.Resume(t0.Add(3*time.Hour)))
	require.NotNil(t, e.NextExecutionAt)
	assert.Equal(t, t0.Add(30*time.Hour), *e.NextExecutionAt)
	assert.Equal(t, "sms", e.CurrentStep)
}

func TestResume_AppliesFailureRecordedWhilePaused(t *testing.T) {
	e := enrollment.New("org-1", "wf-1", "client-1", "manual", "sms", t0)
	require.NoError(t, e.Pause(t0.Add(time.Minute)))

	e.MarkFailurePending(3, "provider 503", t0.Add(2*time.Minute))
	assert.Equal(t, enrollment.StatusPaused, e.Status)
	assert.True(t, e.FailurePending())

	require.NoError(t, e.Resume(t0.Add(time.Hour)))
	assert.Equal(t, enrollment.StatusFailed, e.Status)
	assert.Equal(t, "provider 503", e.LastError)
	assert.Equal(t, 3, e.Attempts)
	assert.Nil(t, e.NextExecutionAt)
	assert.False(t, e.FailurePending())
	assert.NotContains(t, e.Metadata, "failurePending")
}

type fakeFinder struct {
	latest *enrollment.Enrollment
	calls  int
}

func (f *fakeFinder) LatestEnrollment(_ context.Context, _, _, _ string) (*enrollment.Enrollment, error) {
	f.calls++
	return f.latest, nil
}

func TestGuard_LookbackWindow(t *testing.T) {
	clk := clock.NewManual(t0)
	prior := enrollment.New("org-1", "wf-1", "client-1", "appointment_completed", "s1", t0)
	finder := &fakeFinder{latest: prior}
	guard := enrollment.NewGuard(finder, clk)
	ctx := context.Background()

	for _, status := range []enrollment.Status{enrollment.StatusActive, enrollment.StatusPaused, enrollment.StatusCompleted} {
		prior.Status = status
		clk.Set(t0.Add(30 * 24 * time.Hour))
		ok, err := guard.CanEnroll(ctx, "org-1", "wf-1", "client-1", 30)
		require.NoError(t, err)
		assert.False(t, ok, "status %s within 30 days must block", status)

		clk.Set(t0.Add(31 * 24 * time.Hour))
		ok, err = guard.CanEnroll(ctx, "org-1", "wf-1", "client-1", 30)
		require.NoError(t, err)
		assert.True(t, ok, "status %s after 31 days must allow", status)
	}

	for _, status := range []enrollment.Status{enrollment.StatusCancelled, enrollment.StatusFailed} {
		prior.Status = status
		clk.Set(t0.Add(time.Hour))
		ok, err := guard.CanEnroll(ctx, "org-1", "wf-1", "client-1", 30)
		require.NoError(t, err)
		assert.True(t, ok, "status %s never blocks", status)
	}
}

func TestGuard_DisabledSkipsLookup(t *testing.T) {
	finder := &fakeFinder{latest: enrollment.New("org-1", "wf-1", "client-1", "x", "", t0)}
	guard := enrollment.NewGuard(finder, clock.NewManual(t0))
	ok, err := guard.CanEnroll(context.Background(), "org-1", "wf-1", "client-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, finder.calls)

	finder.latest = nil
	ok, err = guard.CanEnroll(context.Background(), "org-1", "wf-1", "client-1", 30)
	require.NoError(t, err)
	assert.True(t, ok)
}
