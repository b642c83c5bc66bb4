package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/classmirror/service-sync-go/internal/sync/entity"
	"github.com/classmirror/service-sync-go/pkg/utilities"
)

// Directory is the IdP boundary the synchronizer reads from.
type Directory interface {
	// ListUsers returns one page of directory records plus the token of
	// the next page, empty when exhausted.
	ListUsers(ctx context.Context, pageToken string) ([]entity.ExternalUserRecord, string, error)
	// ListGroupsForUser returns the group names of one user.
	ListGroupsForUser(ctx context.Context, subjectOrUsername string) ([]string, error)
}

// ReportStore extends the pipeline's Store with the aggregate queries the
// synchronizer needs for drift and statistics reporting.
type ReportStore interface {
	Store
	CountMirrors(ctx context.Context) (int, error)
	Statistics(ctx context.Context) (*entity.Statistics, error)
	TouchLastRun(ctx context.Context, at time.Time) error
	LastRunAt(ctx context.Context) (*time.Time, error)
}

// TenantSource yields the set of known tenant ids, snapshotted once per run.
type TenantSource interface {
	IDs(ctx context.Context) (map[string]struct{}, error)
}

// Config holds the batch tuning knobs.
type Config struct {
	// Concurrency bounds the worker pool driving per-user pipelines.
	Concurrency int
	// OpTimeout applies to every per-record directory and storage call.
	OpTimeout time.Duration
	// ListTimeout applies to each directory listing page.
	ListTimeout time.Duration
	// RetryMaxElapsed bounds the per-record backoff in the second pass.
	RetryMaxElapsed time.Duration
	// TenantAttribute overrides the directory attribute carrying the
	// tenant id.
	TenantAttribute string
}

// ConfigFromEnv reads sync tuning from environment variables.
func ConfigFromEnv() Config {
	cfg := Config{
		Concurrency:     8,
		OpTimeout:       10 * time.Second,
		ListTimeout:     30 * time.Second,
		RetryMaxElapsed: 15 * time.Second,
		TenantAttribute: os.Getenv("SYNC_TENANT_ATTRIBUTE"),
	}
	if v := os.Getenv("SYNC_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("SYNC_OP_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OpTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SYNC_LIST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ListTimeout = time.Duration(n) * time.Second
		}
	}
	return cfg
}

// Service pages through the directory, drives per-user pipelines through a
// bounded worker pool and aggregates a run report. One Service serves one
// user pool, so at most one run may be in flight at a time.
type Service struct {
	directory Directory
	store     ReportStore
	tenants   TenantSource
	cfg       Config
	logger    *zap.SugaredLogger

	runMu gosync.Mutex
}

func NewService(directory Directory, store ReportStore, tenants TenantSource, cfg Config, logger *zap.SugaredLogger) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 30 * time.Second
	}
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = 15 * time.Second
	}
	return &Service{directory: directory, store: store, tenants: tenants, cfg: cfg, logger: logger}
}

// workerResult pairs a pipeline result with the raw record so the retry
// pass can replay failed subjects.
type workerResult struct {
	res entity.PerUserResult
	raw entity.ExternalUserRecord
}

// Run executes one full batch synchronization. The initial listing failure
// is the only error that propagates: everything after that is folded into
// the report, and already-committed per-user writes always stand.
func (s *Service) Run(ctx context.Context) (*entity.RunReport, error) {
	if !s.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	report := &entity.RunReport{
		RunID:     utilities.NewRunID(),
		StartedAt: time.Now().UTC(),
		Errors:    []entity.RecordError{},
	}
	s.logger.Infow("sync run starting", "run_id", report.RunID)

	tenantSet, err := s.tenants.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tenant registry: %w", err)
	}
	pipe := NewPipeline(s.store, Normalizer{TenantAttribute: s.cfg.TenantAttribute}, tenantSet, s.cfg.OpTimeout, s.logger)

	// fetch the first page before anything else runs: an authorization or
	// connectivity failure here aborts the run with zero records processed
	firstPage, nextToken, err := s.listPage(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("initial directory listing: %w: %v", ErrDirectoryUnavailable, err)
	}

	jobs := make(chan entity.ExternalUserRecord)
	out := make(chan workerResult)

	var wg gosync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for raw := range jobs {
				out <- workerResult{res: s.processOne(ctx, pipe, raw), raw: raw}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	// producer: page through the directory, feeding the pool; cancellation
	// is checked between pages so a graceful stop leaves committed writes
	// intact. listed counts records fetched from the directory, dispatched
	// or not.
	listed := len(firstPage)
	var listErr error
	go func() {
		defer close(jobs)
		page, token := firstPage, nextToken
		for {
			for _, raw := range page {
				select {
				case jobs <- raw:
				case <-ctx.Done():
					listErr = ctx.Err()
					return
				}
			}
			if token == "" || ctx.Err() != nil {
				listErr = ctx.Err()
				return
			}
			page, token, listErr = s.listPage(ctx, token)
			if listErr != nil {
				if !errorsIsContext(listErr) {
					listErr = fmt.Errorf("directory listing page: %w: %v", ErrDirectoryUnavailable, listErr)
				}
				return
			}
			listed += len(page)
		}
	}()

	var retryCandidates []entity.ExternalUserRecord
	for wr := range out {
		if wr.res.Outcome == entity.OutcomeFailed && retryable(wr.res.Err) {
			retryCandidates = append(retryCandidates, wr.raw)
			continue
		}
		report.Add(wr.res)
	}
	report.TotalListed = listed

	// second pass: bounded per-record backoff over transient failures
	for _, raw := range retryCandidates {
		res := s.retryOne(ctx, pipe, raw)
		if res.Outcome != entity.OutcomeFailed {
			report.Retried++
		}
		report.Add(res)
	}

	report.FinishedAt = time.Now().UTC()
	if listErr != nil && !errorsIsContext(listErr) {
		s.logger.Errorw("sync run aborted mid-listing", "run_id", report.RunID, "err", listErr)
		return report, listErr
	}

	if err := s.store.TouchLastRun(ctx, report.FinishedAt); err != nil {
		s.logger.Warnw("recording run completion failed", "run_id", report.RunID, "err", err)
	}
	s.logger.Infow("sync run finished",
		"run_id", report.RunID,
		"total_listed", report.TotalListed,
		"created", report.Created,
		"updated", report.Updated,
		"unchanged", report.Unchanged,
		"warnings", report.Warnings,
		"errors", len(report.Errors),
		"retried", report.Retried,
		"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	)
	return report, nil
}

func (s *Service) listPage(ctx context.Context, token string) ([]entity.ExternalUserRecord, string, error) {
	listCtx, cancel := context.WithTimeout(ctx, s.cfg.ListTimeout)
	defer cancel()
	return s.directory.ListUsers(listCtx, token)
}

// processOne fetches the user's groups and runs the pipeline. A group
// fetch failure is a per-record error, never fatal to the batch.
func (s *Service) processOne(ctx context.Context, pipe *Pipeline, raw entity.ExternalUserRecord) entity.PerUserResult {
	if raw.Groups == nil {
		subject := raw.Username
		if subject == "" {
			subject = raw.SubjectID
		}
		gctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		groups, err := s.directory.ListGroupsForUser(gctx, subject)
		cancel()
		if err != nil {
			err = fmt.Errorf("list groups for %s: %w", subject, err)
			return entity.PerUserResult{
				SubjectID: raw.SubjectID,
				Outcome:   entity.OutcomeFailed,
				Reason:    err.Error(),
				Err:       err,
			}
		}
		raw.Groups = groups
	}
	return pipe.Run(ctx, raw)
}

// retryOne replays one failed record with exponential backoff until it
// stops failing transiently or the per-record budget is spent.
func (s *Service) retryOne(ctx context.Context, pipe *Pipeline, raw entity.ExternalUserRecord) entity.PerUserResult {
	var res entity.PerUserResult
	ebo := backoff.NewExponentialBackOff()
	ebo.MaxElapsedTime = s.cfg.RetryMaxElapsed
	if ebo.InitialInterval > s.cfg.RetryMaxElapsed {
		ebo.InitialInterval = s.cfg.RetryMaxElapsed
	}
	_ = backoff.Retry(func() error {
		res = s.processOne(ctx, pipe, raw)
		if res.Outcome != entity.OutcomeFailed {
			return nil
		}
		if !retryable(res.Err) {
			return backoff.Permanent(res.Err)
		}
		return res.Err
	}, backoff.WithContext(ebo, ctx))
	return res
}

// DriftStatus compares directory and mirror counts as a health signal.
// Never errors: an unreachable dependency reports healthy=false instead.
func (s *Service) DriftStatus(ctx context.Context) entity.DriftStatus {
	status := entity.DriftStatus{Healthy: true}

	if n, err := s.store.CountMirrors(ctx); err == nil {
		status.LocalUserCount = n
	} else {
		s.logger.Warnw("mirror count failed", "err", err)
		status.Healthy = false
	}
	if t, err := s.store.LastRunAt(ctx); err == nil {
		status.LastRunAt = t
	} else {
		s.logger.Warnw("last run lookup failed", "err", err)
		status.Healthy = false
	}
	if n, err := s.countExternal(ctx); err == nil {
		status.ExternalUserCount = n
	} else {
		s.logger.Warnw("directory count failed", "err", err)
		status.Healthy = false
	}
	return status
}

func (s *Service) countExternal(ctx context.Context) (int, error) {
	total := 0
	token := ""
	for {
		page, next, err := s.listPage(ctx, token)
		if err != nil {
			return 0, err
		}
		total += len(page)
		if next == "" {
			return total, nil
		}
		token = next
	}
}

// Statistics returns aggregate mirror counts by role and status.
func (s *Service) Statistics(ctx context.Context) (*entity.Statistics, error) {
	return s.store.Statistics(ctx)
}

func errorsIsContext(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
