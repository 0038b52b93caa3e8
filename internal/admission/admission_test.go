package admission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// permissive thresholds so tests exercise the slot ceiling, not the host.
func newTestController(maxConcurrent int) *Controller {
	return New(Config{
		MaxConcurrent: maxConcurrent,
		MemorySoft:    0.998,
		MemoryHard:    0.999,
		DiskSoftBytes: 1,
		DiskHardBytes: 1,
		ScratchDir:    "/tmp",
	}, zap.NewNop())
}

// TestAdmitCeiling verifies no more than MaxConcurrent slots are ever handed
// out, and that Release reopens admission.
func TestAdmitCeiling(t *testing.T) {
	t.Parallel()

	ctrl := newTestController(2)
	ctx := context.Background()

	ok, _ := ctrl.Admit(ctx)
	require.True(t, ok)
	ok, _ = ctrl.Admit(ctx)
	require.True(t, ok)

	ok, reason := ctrl.Admit(ctx)
	assert.False(t, ok)
	assert.Contains(t, reason, "busy")
	assert.Equal(t, 2, ctrl.Active())

	ctrl.Release()
	ok, _ = ctrl.Admit(ctx)
	assert.True(t, ok)
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	t.Parallel()

	ctrl := newTestController(1)
	ctrl.Release()
	ctrl.Release()
	assert.Zero(t, ctrl.Active())

	ok, _ := ctrl.Admit(context.Background())
	assert.True(t, ok)
	assert.Equal(t, 1, ctrl.Active())
}

type countingSweeper struct {
	calls int
}

func (s *countingSweeper) Sweep(force bool) int {
	s.calls++
	return 0
}

// TestForceSweepUnderPressure uses an impossible soft memory threshold to
// force the sweep-then-recheck path.
func TestForceSweepUnderPressure(t *testing.T) {
	t.Parallel()

	sweeper := &countingSweeper{}
	ctrl := New(Config{
		MaxConcurrent: 1,
		MemorySoft:    0.000001,
		MemoryHard:    0.999,
		DiskSoftBytes: 1,
		DiskHardBytes: 1,
		ScratchDir:    "/tmp",
	}, zap.NewNop())
	ctrl.SetSweeper(sweeper)

	ok, _ := ctrl.Admit(context.Background())
	assert.True(t, ok, "hard threshold not breached, admission proceeds after sweep")
	assert.Equal(t, 1, sweeper.calls)
}

// TestAdmitFailOpenOnBadScratchDir verifies disk metric failures admit
// rather than reject.
func TestAdmitFailOpenOnBadScratchDir(t *testing.T) {
	t.Parallel()

	ctrl := New(Config{
		MaxConcurrent: 1,
		MemorySoft:    0.998,
		MemoryHard:    0.999,
		DiskSoftBytes: 1,
		DiskHardBytes: 1,
		ScratchDir:    "/definitely/not/a/real/path",
	}, zap.NewNop())

	ok, _ := ctrl.Admit(context.Background())
	assert.True(t, ok)
}

func TestSnapshotReportsActive(t *testing.T) {
	t.Parallel()

	ctrl := newTestController(3)
	ok, _ := ctrl.Admit(context.Background())
	require.True(t, ok)

	snap := ctrl.Snapshot(context.Background())
	assert.Equal(t, 1, snap.ActiveJobs)
	assert.Positive(t, snap.MemoryFraction)
}
