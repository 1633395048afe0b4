package api

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/winnow/internal/report"
)

// JobStore tracks submitted jobs. All methods are safe for concurrent use
// and return copies; callers never see live records.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Create registers a queued job and returns its snapshot.
func (s *JobStore) Create(req CompressRequest) Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := &Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		CreatedAt: s.now(),
		Request:   req,
	}
	s.jobs[j.ID] = j
	return *j
}

// SetRunning marks the job started.
func (s *JobStore) SetRunning(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		t := s.now()
		j.Status = StatusRunning
		j.StartedAt = &t
	}
}

// SetResult records the job outcome.
func (s *JobStore) SetResult(id string, rep *report.Report, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	t := s.now()
	j.FinishedAt = &t
	if err != nil {
		j.Status = StatusFailed
		j.Error = err.Error()
		return
	}
	j.Status = StatusSucceeded
	j.Report = rep
}

// Get returns a snapshot of the job.
func (s *JobStore) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns all jobs, newest first.
func (s *JobStore) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}
