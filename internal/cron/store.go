package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// jobsFile is the on-disk document under ~/.hermes/cron/jobs.json.
type jobsFile struct {
	Jobs []*Job `json:"jobs"`
}

// Store persists the job list as a single JSON document. All mutations go
// through Update so concurrent ticks and CLI edits serialize on one mutex.
type Store struct {
	mu   sync.Mutex
	path string
	jobs []*Job
}

// OpenStore loads the job file, creating an empty store when the file
// does not exist yet.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron jobs: %w", err)
	}
	var doc jobsFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse cron jobs %s: %w", path, err)
	}
	s.jobs = doc.Jobs
	return s, nil
}

// Reload re-reads the job file, replacing the in-memory list. CLI edits
// made while the daemon runs become visible on the next reload.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.jobs = nil
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cron jobs: %w", err)
	}
	var doc jobsFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse cron jobs %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.jobs = doc.Jobs
	s.mu.Unlock()
	return nil
}

// Jobs returns a snapshot of all jobs.
func (s *Store) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Get returns the job with the given ID.
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

// Add appends a job and saves.
func (s *Store) Add(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == job.ID {
			return fmt.Errorf("cron job %s already exists", job.ID)
		}
	}
	s.jobs = append(s.jobs, job)
	return s.saveLocked()
}

// Remove deletes a job by ID, reporting whether it existed.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.jobs {
		if j.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true, s.saveLocked()
		}
	}
	return false, nil
}

// Update applies fn to the job with the given ID and saves. fn runs under
// the store lock.
func (s *Store) Update(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			fn(j)
			return s.saveLocked()
		}
	}
	return fmt.Errorf("cron job %s not found", id)
}

// Save flushes the current job list.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes through a temp file so a crash mid-write never
// truncates the job list.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(jobsFile{Jobs: s.jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cron jobs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cron jobs: %w", err)
	}
	return os.Rename(tmp, s.path)
}
