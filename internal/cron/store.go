package cron

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// PersistHook is invoked after any non-ephemeral mutation of the job
// table. Ephemeral jobs never trigger it.
type PersistHook func(jobs []*Job) error

// Store holds the cron job table in memory and persists non-ephemeral
// mutations through an injected hook, keeping the table itself free of any
// storage dependency.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	runs    map[string][]*Run // jobID -> runs, most recent last
	persist PersistHook
}

// NewStore creates an empty job table. Pass a nil hook to run without
// persistence (useful for tests).
func NewStore(persist PersistHook) *Store {
	return &Store{
		jobs:    make(map[string]*Job),
		runs:    make(map[string][]*Run),
		persist: persist,
	}
}

// LoadAll seeds the table from a previously persisted snapshot (e.g. at
// startup) without triggering the persist hook.
func (s *Store) LoadAll(jobs []*Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
}

func (s *Store) maybePersist(job *Job) error {
	if s.persist == nil || (job != nil && job.Ephemeral) {
		return nil
	}
	all := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !j.Ephemeral {
			all = append(all, j)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return s.persist(all)
}

// List returns all jobs, sorted by ID for stable output.
func (s *Store) List() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a job by ID.
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Create adds a new job to the table.
func (s *Store) Create(job *Job) error {
	if job.ID == "" {
		return fmt.Errorf("cron: job ID required")
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("cron: job %q already exists", job.ID)
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	err := s.maybePersist(job)
	s.mu.Unlock()
	return err
}

// Update applies a mutation function to an existing job.
func (s *Store) Update(id string, mutate func(*Job)) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("cron: job %q not found", id)
	}
	mutate(job)
	job.UpdatedAt = time.Now().UTC()
	if err := s.maybePersist(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes a job from the table.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron: job %q not found", id)
	}
	delete(s.jobs, id)
	delete(s.runs, id)
	return s.maybePersist(job)
}

// Toggle flips a job's Enabled flag.
func (s *Store) Toggle(id string, enabled bool) (*Job, error) {
	return s.Update(id, func(j *Job) { j.Enabled = enabled })
}

// RecordRun appends a run record for a job, keeping at most the most recent
// 50 entries per job.
func (s *Store) RecordRun(jobID string, run *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := append(s.runs[jobID], run)
	const maxRuns = 50
	if len(runs) > maxRuns {
		runs = runs[len(runs)-maxRuns:]
	}
	s.runs[jobID] = runs
	if job, ok := s.jobs[jobID]; ok {
		endedAt := run.EndedAt
		job.LastRunAt = &endedAt
	}
}

// Runs returns the recorded runs for a job, most recent last.
func (s *Store) Runs(jobID string) []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Run(nil), s.runs[jobID]...)
}
