package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/classmirror/service-sync-go/internal/sync/entity"
	userentity "github.com/classmirror/service-sync-go/internal/user/entity"
)

func newTestService(dir Directory, store ReportStore, tenants TenantSource) *Service {
	cfg := Config{
		Concurrency:     4,
		OpTimeout:       time.Second,
		ListTimeout:     time.Second,
		RetryMaxElapsed: time.Millisecond,
	}
	return NewService(dir, store, tenants, cfg, zap.NewNop().Sugar())
}

func (f *fakeDirectory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeDirectory) stalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stallEntered
}

func threeUserDirectory() *fakeDirectory {
	dir := newFakeDirectory(
		[]entity.ExternalUserRecord{rec("u1", "t-1", "CONFIRMED", true), rec("u2", "t-1", "CONFIRMED", true)},
		[]entity.ExternalUserRecord{rec("u3", "t-1", "CONFIRMED", true)},
	)
	dir.groups["u1"] = []string{"Teachers"}
	dir.groups["u2"] = []string{}
	dir.groups["u3"] = []string{"Teachers", "Admins"}
	return dir
}

func TestRunFullBatch(t *testing.T) {
	dir := threeUserDirectory()
	store := newFakeStore()
	svc := newTestService(dir, store, &fakeTenants{ids: tenantSet("t-1")})

	report, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.TotalListed)
	assert.Equal(t, 3, report.Created)
	assert.Equal(t, 3, report.Processed())
	assert.Empty(t, report.Errors)
	assert.NotEmpty(t, report.RunID)

	assert.Equal(t, userentity.RoleTeacher, store.mirrors["u1"].role)
	assert.Equal(t, userentity.RoleStudent, store.mirrors["u2"].role)
	assert.Equal(t, userentity.RoleAdmin, store.mirrors["u3"].role)
	assert.True(t, store.hasRole("u1", userentity.RoleTeacher))
	assert.True(t, store.hasRole("u2", userentity.RoleStudent))
	assert.False(t, store.hasRole("u3", userentity.RoleAdmin), "admin has no role table")

	require.NotNil(t, store.lastRun)
}

// running the full batch twice with unchanged external data writes nothing
// the second time
func TestRunTwiceIsIdempotent(t *testing.T) {
	dir := threeUserDirectory()
	store := newFakeStore()
	svc := newTestService(dir, store, &fakeTenants{ids: tenantSet("t-1")})

	_, err := svc.Run(context.Background())
	require.NoError(t, err)

	report, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 0, report.Updated)
	assert.Equal(t, 3, report.Unchanged)
	assert.Empty(t, report.Errors)
}

// one permanently failing record must not disturb the other N-1
func TestRunBatchIsolation(t *testing.T) {
	dir := threeUserDirectory()
	store := newFakeStore()
	store.failUpsert["u2"] = -1
	svc := newTestService(dir, store, &fakeTenants{ids: tenantSet("t-1")})

	report, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Processed())
	assert.Equal(t, 2, report.Created)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "u2", report.Errors[0].SubjectID)
	assert.Contains(t, store.mirrors, "u1")
	assert.Contains(t, store.mirrors, "u3")
	assert.NotContains(t, store.mirrors, "u2")
}

func TestRunUnresolvableTenantSkipsRecord(t *testing.T) {
	dir := threeUserDirectory()
	dir.pages[0][1] = rec("u2", "t-404", "CONFIRMED", true)
	store := newFakeStore()
	svc := newTestService(dir, store, &fakeTenants{ids: tenantSet("t-1")})

	report, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Processed())
	assert.Equal(t, 2, report.Created)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "u2", report.Errors[0].SubjectID)
	assert.Equal(t, 2, store.upsertCalls, "bad tenant must never reach storage")
}

func TestRunFatalListingAbortsEverything(t *testing.T) {
	dir := threeUserDirectory()
	dir.listErrAt = 0
	dir.listErr = errors.New("AccessDeniedException: not authorized")
	store := newFakeStore()
	svc := newTestService(dir, store, &fakeTenants{ids: tenantSet("t-1")})

	report, err := svc.Run(context.Background())

	assert.Nil(t, report)
	require.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.Zero(t, store.upsertCalls, "a fatal listing must write nothing")
	assert.Zero(t, store.roleCalls)
}

func TestRunMidListingFailureKeepsCommittedWrites(t *testing.T) {
	dir := threeUserDirectory()
	dir.listErrAt = 1
	dir.listErr = errors.New("connection reset")
	store := newFakeStore()
	svc := newTestService(dir, store, &fakeTenants{ids: tenantSet("t-1")})

	report, err := svc.Run(context.Background())

	require.ErrorIs(t, err, ErrDirectoryUnavailable)
	require.NotNil(t, report, "partial report must survive a mid-run abort")
	assert.Equal(t, 2, report.Created)
	assert.Contains(t, store.mirrors, "u1")
	assert.Contains(t, store.mirrors, "u2")
	assert.NotContains(t, store.mirrors, "u3")
}

// a graceful stop between pages is not a run failure: committed writes
// stand and the partial report comes back clean
func TestRunCancelledBetweenPagesKeepsCommittedWrites(t *testing.T) {
	dir := threeUserDirectory()
	dir.gate = make(chan struct{})
	dir.gateAt = 1
	store := newFakeStore()
	svc := newTestService(dir, store, &fakeTenants{ids: tenantSet("t-1")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var report *entity.RunReport
	var runErr error
	go func() {
		defer close(done)
		report, runErr = svc.Run(ctx)
	}()

	// the second listing call is the one held at the gate
	require.Eventually(t, func() bool { return dir.calls() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done

	require.NoError(t, runErr)
	require.NotNil(t, report)
	assert.Equal(t, 2, report.TotalListed)
	assert.Equal(t, 2, report.Created)
	assert.Contains(t, store.mirrors, "u1")
	assert.Contains(t, store.mirrors, "u2")
	assert.NotContains(t, store.mirrors, "u3")
}

// records fetched from the directory count as listed even when the stop
// arrives before they reach a worker
func TestRunCancelledMidDispatchCountsFetchedRecords(t *testing.T) {
	dir := newFakeDirectory(
		[]entity.ExternalUserRecord{rec("u1", "t-1", "CONFIRMED", true)},
		[]entity.ExternalUserRecord{rec("u2", "t-1", "CONFIRMED", true), rec("u3", "t-1", "CONFIRMED", true)},
	)
	dir.groups["u1"] = []string{"Teachers"}
	dir.groupsStall["u2"] = true
	store := newFakeStore()
	cfg := Config{Concurrency: 1, OpTimeout: time.Second, ListTimeout: time.Second, RetryMaxElapsed: time.Millisecond}
	svc := NewService(dir, store, &fakeTenants{ids: tenantSet("t-1")}, cfg, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var report *entity.RunReport
	var runErr error
	go func() {
		defer close(done)
		report, runErr = svc.Run(ctx)
	}()

	// the single worker is stalled on u2's group fetch, so u3 sits
	// undispatched when the stop arrives
	require.Eventually(t, func() bool { return dir.stalls() >= 1 }, time.Second, time.Millisecond)
	cancel()
	<-done

	require.NoError(t, runErr)
	require.NotNil(t, report)
	assert.Equal(t, 3, report.TotalListed)
	assert.Equal(t, 1, report.Created)
	assert.NotContains(t, store.mirrors, "u3")
}

// a directory call exceeding the per-call timeout marks that record failed
// while the rest of the batch commits
func TestRunOpTimeoutMarksRecordFailed(t *testing.T) {
	dir := threeUserDirectory()
	dir.groupsStall["u1"] = true
	store := newFakeStore()
	cfg := Config{Concurrency: 4, OpTimeout: 5 * time.Millisecond, ListTimeout: time.Second, RetryMaxElapsed: time.Millisecond}
	svc := NewService(dir, store, &fakeTenants{ids: tenantSet("t-1")}, cfg, zap.NewNop().Sugar())

	report, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Created)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "u1", report.Errors[0].SubjectID)
	assert.NotContains(t, store.mirrors, "u1")
	assert.Contains(t, store.mirrors, "u2")
	assert.Contains(t, store.mirrors, "u3")
}

func TestRunGroupFetchFailureIsPerRecord(t *testing.T) {
	dir := threeUserDirectory()
	dir.groupsErr["u1"] = errors.New("throttled")
	store := newFakeStore()
	svc := newTestService(dir, store, &fakeTenants{ids: tenantSet("t-1")})

	report, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Processed())
	assert.Equal(t, 2, report.Created)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "u1", report.Errors[0].SubjectID)
}

// a transient storage failure is replayed by the second pass and
// reclassified in the report
func TestRunRetryPassRecoversTransientFailure(t *testing.T) {
	dir := threeUserDirectory()
	store := newFakeStore()
	store.failUpsert["u1"] = 1
	svc := newTestService(dir, store, &fakeTenants{ids: tenantSet("t-1")})

	report, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Created)
	assert.Equal(t, 1, report.Retried)
	assert.Empty(t, report.Errors)
	assert.True(t, store.hasRole("u1", userentity.RoleTeacher))
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	dir := threeUserDirectory()
	dir.gate = make(chan struct{})
	store := newFakeStore()
	svc := newTestService(dir, store, &fakeTenants{ids: tenantSet("t-1")})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Run(context.Background())
	}()

	require.Eventually(t, func() bool { return dir.calls() >= 1 }, time.Second, 5*time.Millisecond)

	_, err := svc.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(dir.gate)
	<-done
}

func TestDriftStatus(t *testing.T) {
	dir := threeUserDirectory()
	store := newFakeStore()
	svc := newTestService(dir, store, &fakeTenants{ids: tenantSet("t-1")})

	_, err := svc.Run(context.Background())
	require.NoError(t, err)

	status := svc.DriftStatus(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, 3, status.ExternalUserCount)
	assert.Equal(t, 3, status.LocalUserCount)
	require.NotNil(t, status.LastRunAt)
}

func TestDriftStatusUnreachableDirectory(t *testing.T) {
	dir := threeUserDirectory()
	dir.listErrAt = 0
	dir.listErr = errors.New("connectivity lost")
	store := newFakeStore()
	svc := newTestService(dir, store, &fakeTenants{ids: tenantSet("t-1")})

	status := svc.DriftStatus(context.Background())
	assert.False(t, status.Healthy)
	assert.Zero(t, status.ExternalUserCount)
}

func TestStatistics(t *testing.T) {
	dir := threeUserDirectory()
	store := newFakeStore()
	svc := newTestService(dir, store, &fakeTenants{ids: tenantSet("t-1")})

	_, err := svc.Run(context.Background())
	require.NoError(t, err)

	stats, err := svc.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByRole[userentity.RoleTeacher])
	assert.Equal(t, 1, stats.ByRole[userentity.RoleStudent])
	assert.Equal(t, 1, stats.ByRole[userentity.RoleAdmin])
	assert.Equal(t, 3, stats.ByStatus[userentity.StatusActive])
}
