package job

import "time"

// Store holds jobs by id plus a reverse index from worker instance id
// to its currently-running job. It is not internally synchronized: the
// Bridge serializes all calls under its own lock.
type Store struct {
	jobs    map[string]*Job
	running map[string]string // instance id -> job id
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:    make(map[string]*Job),
		running: make(map[string]string),
	}
}

// Put inserts a job. The caller owns id uniqueness.
func (s *Store) Put(j *Job) {
	s.jobs[j.ID] = j
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (*Job, bool) {
	j, ok := s.jobs[id]
	return j, ok
}

// List returns all jobs in unspecified order.
func (s *Store) List() []*Job {
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// ListByUser returns all jobs owned by userID.
func (s *Store) ListByUser(userID string) []*Job {
	var out []*Job
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	return out
}

// JobForWorker resolves the reverse index: the job currently running on
// the given worker instance.
func (s *Store) JobForWorker(instanceID string) (*Job, bool) {
	jobID, ok := s.running[instanceID]
	if !ok {
		return nil, false
	}
	j, ok := s.jobs[jobID]
	return j, ok
}

// WorkerBusy reports whether the instance has a running job.
func (s *Store) WorkerBusy(instanceID string) bool {
	_, ok := s.running[instanceID]
	return ok
}

// Queued returns jobs in the queued state for the given user, oldest
// first by creation time.
func (s *Store) Queued(userID string) []*Job {
	var out []*Job
	for _, j := range s.jobs {
		if j.Status == StatusQueued && j.UserID == userID {
			out = append(out, j)
		}
	}
	sortByCreatedAt(out)
	return out
}

func sortByCreatedAt(jobs []*Job) {
	// Insertion sort; queues are short.
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0 && jobs[k].CreatedAt.Before(jobs[k-1].CreatedAt); k-- {
			jobs[k], jobs[k-1] = jobs[k-1], jobs[k]
		}
	}
}

// MarkVMBooting moves a queued job to vm_booting. Returns false when the
// transition is not allowed.
func (s *Store) MarkVMBooting(id string) bool {
	j, ok := s.jobs[id]
	if !ok || j.Status != StatusQueued {
		return false
	}
	j.Status = StatusVMBooting
	return true
}

// MarkRunning assigns the job to a worker and moves it to running.
// StartedAt is set on first entry only. Returns false for unknown jobs,
// terminal jobs, or a worker that already has a running job.
func (s *Store) MarkRunning(id, instanceID string, now time.Time) bool {
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return false
	}
	if existing, busy := s.running[instanceID]; busy && existing != id {
		return false
	}
	j.Status = StatusRunning
	j.VMID = instanceID
	if j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	s.running[instanceID] = id
	return true
}

// MarkPaused moves a running job to paused.
func (s *Store) MarkPaused(id string) bool {
	j, ok := s.jobs[id]
	if !ok || j.Status != StatusRunning {
		return false
	}
	j.Status = StatusPaused
	return true
}

// MarkResumed moves a paused job back to running.
func (s *Store) MarkResumed(id string) bool {
	j, ok := s.jobs[id]
	if !ok || j.Status != StatusPaused {
		return false
	}
	j.Status = StatusRunning
	return true
}

// MarkTerminal moves a job into a terminal state, sets CompletedAt once,
// and clears the reverse index entry. Idempotent: returns false without
// effect when the job is unknown or already terminal.
func (s *Store) MarkTerminal(id string, to Status, now time.Time) bool {
	if !to.Terminal() {
		return false
	}
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return false
	}
	j.Status = to
	if j.CompletedAt == nil {
		t := now
		j.CompletedAt = &t
	}
	if j.VMID != "" {
		if s.running[j.VMID] == id {
			delete(s.running, j.VMID)
		}
	}
	return true
}
