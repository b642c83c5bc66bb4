package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/classmirror/service-sync-go/internal/sync/entity"
	userentity "github.com/classmirror/service-sync-go/internal/user/entity"
)

// Store is the storage boundary the pipeline writes through. Implemented
// by userrepo.MirrorRepo.
type Store interface {
	UpsertMirror(ctx context.Context, u entity.NormalizedUser, role userentity.Role, status userentity.Status) (string, entity.Outcome, error)
	InsertRoleRecordIfAbsent(ctx context.Context, role userentity.Role, userID, tenantID string, status userentity.Status) (bool, error)
}

// pipeline stages; transitions are strictly forward.
type stage int

const (
	stageNormalize stage = iota
	stageMap
	stageUpsertUser
	stageReconcileRole
	stageDone
)

// Pipeline runs the per-user reconciliation state machine:
//
//	NORMALIZE -> MAP -> UPSERT_USER -> RECONCILE_ROLE -> DONE
//
// NORMALIZE and UPSERT_USER failures end in FAILED. A RECONCILE_ROLE
// failure degrades to a warning: the mirror write stands, the missing role
// row is picked up by a later run. Nothing escapes Run as an error.
type Pipeline struct {
	store      Store
	normalizer Normalizer
	// tenants is the snapshot of known tenant ids for this run; empty
	// string keys are never present, so records without a tenant
	// attribute fail resolution here rather than at the database.
	tenants   map[string]struct{}
	opTimeout time.Duration
	logger    *zap.SugaredLogger
}

func NewPipeline(store Store, normalizer Normalizer, tenants map[string]struct{}, opTimeout time.Duration, logger *zap.SugaredLogger) *Pipeline {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &Pipeline{store: store, normalizer: normalizer, tenants: tenants, opTimeout: opTimeout, logger: logger}
}

// Run drives one raw directory record through all stages and always
// returns a terminal PerUserResult.
func (p *Pipeline) Run(ctx context.Context, raw entity.ExternalUserRecord) entity.PerUserResult {
	var (
		normalized entity.NormalizedUser
		role       userentity.Role
		status     userentity.Status
		userID     string
		outcome    entity.Outcome
		warnReason string
	)

	for st := stageNormalize; ; {
		switch st {
		case stageNormalize:
			n, err := p.normalizer.Normalize(raw)
			if err != nil {
				sid := raw.SubjectID
				if sid == "" {
					// best identifier we have for the report
					sid = raw.Username
				}
				return failed(sid, err)
			}
			normalized = n
			st = stageMap

		case stageMap:
			role = MapGroupsToRole(normalized.Groups)
			status = MapStatus(normalized.ExternalStatus, normalized.Enabled)
			st = stageUpsertUser

		case stageUpsertUser:
			if _, ok := p.tenants[normalized.TenantID]; !ok {
				err := fmt.Errorf("resolve tenant %q for %s: %w", normalized.TenantID, normalized.SubjectID, ErrTenantNotFound)
				return failed(normalized.SubjectID, err)
			}
			opCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
			id, out, err := p.store.UpsertMirror(opCtx, normalized, role, status)
			cancel()
			if err != nil {
				return failed(normalized.SubjectID, err)
			}
			userID, outcome = id, out
			st = stageReconcileRole

		case stageReconcileRole:
			if !role.HasRoleTable() {
				st = stageDone
				break
			}
			opCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
			_, err := p.store.InsertRoleRecordIfAbsent(opCtx, role, userID, normalized.TenantID, status)
			cancel()
			if err != nil {
				// mirror write already stands; degrade, don't fail
				p.logger.Warnw("role record write failed",
					"subject_id", normalized.SubjectID,
					"role", role,
					"err", err,
				)
				warnReason = err.Error()
			}
			st = stageDone

		case stageDone:
			if warnReason != "" {
				return entity.PerUserResult{SubjectID: normalized.SubjectID, Outcome: entity.OutcomeWarning, Reason: warnReason}
			}
			return entity.PerUserResult{SubjectID: normalized.SubjectID, Outcome: outcome}
		}
	}
}

func failed(subjectID string, err error) entity.PerUserResult {
	return entity.PerUserResult{
		SubjectID: subjectID,
		Outcome:   entity.OutcomeFailed,
		Reason:    err.Error(),
		Err:       err,
	}
}
