package jobregistry

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gotap/pkg/uws"
)

// NewRecord creates a record for a freshly submitted job.
func NewRecord(job *uws.Job, endpoint, name string, params map[string]string, uploads []string) *JobRecord {
	return &JobRecord{
		ID:         uuid.New().String(),
		Name:       strings.TrimSpace(name),
		JobURL:     job.URL(),
		Endpoint:   endpoint,
		RemoteID:   job.JobID(),
		Parameters: params,
		Uploads:    uploads,
		CreatedAt:  time.Now().UTC(),
	}
}

// Tracker keeps a stored record in step with a job session. Phase changes
// observed by any status read are written through to the store.
type Tracker struct {
	store  *Store
	logger *zap.Logger

	mu     sync.Mutex
	record JobRecord
	remove func()
}

// Track starts tracking job into record. The record is written immediately.
func Track(store *Store, record *JobRecord, job *uws.Job, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{store: store, logger: logger, record: *record}
	if info := job.LastInfo(); info != nil {
		t.apply(info, job.LastPhaseTime())
	}
	if err := store.Write(&t.record); err != nil {
		return nil, err
	}
	t.remove = job.AddWatcher(func(_, current *uws.JobInfo) {
		t.update(func() { t.apply(current, time.Now()) })
	})
	return t, nil
}

func (t *Tracker) apply(info *uws.JobInfo, at time.Time) {
	at = at.UTC()
	t.record.Phase = strings.TrimSpace(info.Phase)
	if info.JobID != "" {
		t.record.RemoteID = info.JobID
	}
	t.record.PhaseChangedAt = &at
	if uws.StageForPhase(info.Phase) == uws.StageFinished && t.record.EndedAt == nil {
		t.record.EndedAt = &at
	}
	if info.Error != nil && info.Error.Message != "" {
		t.record.Error = info.Error.Message
	}
}

// update applies fn under the lock and persists the result.
func (t *Tracker) update(fn func()) {
	t.mu.Lock()
	fn()
	snapshot := t.record
	t.mu.Unlock()

	if err := t.store.Write(&snapshot); err != nil {
		t.logger.Warn("Failed to update job record",
			zap.String("id", snapshot.ID),
			zap.String("job_url", snapshot.JobURL),
			zap.Error(err))
	}
}

// Record returns a copy of the current record.
func (t *Tracker) Record() JobRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record
}

// SetResult records the result URL of a completed job.
func (t *Tracker) SetResult(resultURL string) {
	t.update(func() { t.record.ResultURL = resultURL })
}

// SetError records a failure reported for the job.
func (t *Tracker) SetError(err error) {
	if err == nil {
		return
	}
	t.update(func() { t.record.Error = err.Error() })
}

// SetDeleted records that the remote job was deleted.
func (t *Tracker) SetDeleted() {
	t.update(func() {
		now := time.Now().UTC()
		t.record.DeletedAt = &now
	})
}

// Stop stops following phase changes.
func (t *Tracker) Stop() {
	if t.remove != nil {
		t.remove()
	}
}
