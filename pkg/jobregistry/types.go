package jobregistry

import "time"

// JobRecord is the persistent record of one submitted UWS job, written to
// job.json.
//
// NOTE: The JSON field names are part of the stable on-disk contract.
// Extend additively.
type JobRecord struct {
	// ID is the local record id. It is independent of the service's job id
	// so records survive services that reuse ids.
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	JobURL     string            `json:"job_url" yaml:"job_url"`
	Endpoint   string            `json:"endpoint" yaml:"endpoint"`
	RemoteID   string            `json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
	Phase      string            `json:"phase,omitempty" yaml:"phase,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Uploads    []string          `json:"uploads,omitempty" yaml:"uploads,omitempty"`
	ResultURL  string            `json:"result_url,omitempty" yaml:"result_url,omitempty"`
	Error      string            `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at" yaml:"created_at"`

	PhaseChangedAt *time.Time `json:"phase_changed_at,omitempty" yaml:"phase_changed_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
}

// Deleted reports whether the remote job has been deleted.
func (r *JobRecord) Deleted() bool {
	return r.DeletedAt != nil
}
