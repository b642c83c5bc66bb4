package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	gosync "sync"
	"time"

	"github.com/classmirror/service-sync-go/internal/sync/entity"
	userentity "github.com/classmirror/service-sync-go/internal/user/entity"
)

var errStorageDown = errors.New("storage down")

type mirrorRow struct {
	id       string
	email    string
	name     string
	tenantID string
	role     userentity.Role
	status   userentity.Status
}

// fakeStore is an in-memory ReportStore mimicking the Postgres upsert
// semantics: created on first sight, updated when mapped fields differ,
// unchanged otherwise.
type fakeStore struct {
	mu gosync.Mutex
	// mirrors is keyed by subject id, roleRows by internal user id
	mirrors  map[string]*mirrorRow
	roleRows map[string]map[userentity.Role]bool
	// failUpsert holds a countdown of failures per subject; negative
	// means fail forever
	failUpsert map[string]int
	failRole   map[string]error // by internal user id
	// stallUpsert subjects block until the call context expires
	stallUpsert map[string]bool

	upsertCalls int
	roleCalls   int
	lastRun     *time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mirrors:     map[string]*mirrorRow{},
		roleRows:    map[string]map[userentity.Role]bool{},
		failUpsert:  map[string]int{},
		failRole:    map[string]error{},
		stallUpsert: map[string]bool{},
	}
}

func (f *fakeStore) UpsertMirror(ctx context.Context, u entity.NormalizedUser, role userentity.Role, status userentity.Status) (string, entity.Outcome, error) {
	f.mu.Lock()
	stalled := f.stallUpsert[u.SubjectID]
	f.mu.Unlock()
	if stalled {
		<-ctx.Done()
		return "", "", ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if n, ok := f.failUpsert[u.SubjectID]; ok && n != 0 {
		if n > 0 {
			f.failUpsert[u.SubjectID] = n - 1
		}
		return "", "", fmt.Errorf("upsert %s: %w", u.SubjectID, errStorageDown)
	}
	row, ok := f.mirrors[u.SubjectID]
	if !ok {
		row = &mirrorRow{id: "id-" + u.SubjectID, email: u.Email, name: u.Name, tenantID: u.TenantID, role: role, status: status}
		f.mirrors[u.SubjectID] = row
		return row.id, entity.OutcomeCreated, nil
	}
	if row.email == u.Email && row.name == u.Name && row.role == role && row.status == status {
		return row.id, entity.OutcomeUnchanged, nil
	}
	row.email, row.name, row.role, row.status = u.Email, u.Name, role, status
	return row.id, entity.OutcomeUpdated, nil
}

func (f *fakeStore) InsertRoleRecordIfAbsent(ctx context.Context, role userentity.Role, userID, tenantID string, status userentity.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleCalls++
	if err := f.failRole[userID]; err != nil {
		return false, err
	}
	rows, ok := f.roleRows[userID]
	if !ok {
		rows = map[userentity.Role]bool{}
		f.roleRows[userID] = rows
	}
	if rows[role] {
		return false, nil
	}
	rows[role] = true
	return true, nil
}

func (f *fakeStore) CountMirrors(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mirrors), nil
}

func (f *fakeStore) Statistics(ctx context.Context) (*entity.Statistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &entity.Statistics{ByRole: map[userentity.Role]int{}, ByStatus: map[userentity.Status]int{}}
	for _, row := range f.mirrors {
		stats.Total++
		stats.ByRole[row.role]++
		stats.ByStatus[row.status]++
	}
	return stats, nil
}

func (f *fakeStore) TouchLastRun(ctx context.Context, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRun = &at
	return nil
}

func (f *fakeStore) LastRunAt(ctx context.Context) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRun, nil
}

func (f *fakeStore) hasRole(subject string, role userentity.Role) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roleRows["id-"+subject][role]
}

// fakeDirectory serves canned pages; page tokens are page indices.
type fakeDirectory struct {
	mu        gosync.Mutex
	pages     [][]entity.ExternalUserRecord
	listErrAt int // page index that errors; -1 for never
	listErr   error
	groups    map[string][]string
	groupsErr map[string]error
	// groupsStall users block until the call context expires
	groupsStall  map[string]bool
	stallEntered int
	listCalls    int
	// gate, when non-nil, blocks ListUsers for pages >= gateAt until
	// closed
	gate   chan struct{}
	gateAt int
}

func newFakeDirectory(pages ...[]entity.ExternalUserRecord) *fakeDirectory {
	return &fakeDirectory{
		pages:       pages,
		listErrAt:   -1,
		groups:      map[string][]string{},
		groupsErr:   map[string]error{},
		groupsStall: map[string]bool{},
	}
}

func (f *fakeDirectory) ListUsers(ctx context.Context, pageToken string) ([]entity.ExternalUserRecord, string, error) {
	f.mu.Lock()
	f.listCalls++
	gate, gateAt := f.gate, f.gateAt
	f.mu.Unlock()

	idx := 0
	if pageToken != "" {
		idx, _ = strconv.Atoi(pageToken)
	}
	if gate != nil && idx >= gateAt {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if f.listErrAt >= 0 && idx >= f.listErrAt {
		return nil, "", f.listErr
	}
	if idx >= len(f.pages) {
		return nil, "", nil
	}
	next := ""
	if idx+1 < len(f.pages) {
		next = strconv.Itoa(idx + 1)
	}
	return f.pages[idx], next, nil
}

func (f *fakeDirectory) ListGroupsForUser(ctx context.Context, subjectOrUsername string) ([]string, error) {
	f.mu.Lock()
	stalled := f.groupsStall[subjectOrUsername]
	if stalled {
		f.stallEntered++
	}
	f.mu.Unlock()
	if stalled {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := f.groupsErr[subjectOrUsername]; err != nil {
		return nil, err
	}
	return f.groups[subjectOrUsername], nil
}

type fakeTenants struct {
	ids map[string]struct{}
	err error
}

func (f *fakeTenants) IDs(ctx context.Context) (map[string]struct{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ids, nil
}

func tenantSet(ids ...string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// rec builds a raw directory record with groups left unfetched so the
// service resolves them through ListGroupsForUser.
func rec(subject, tenant, status string, enabled bool) entity.ExternalUserRecord {
	return entity.ExternalUserRecord{
		SubjectID:      subject,
		Username:       subject,
		Email:          subject + "@school.edu",
		Attributes:     map[string]string{"custom:tenant_id": tenant},
		Enabled:        enabled,
		ExternalStatus: status,
	}
}
