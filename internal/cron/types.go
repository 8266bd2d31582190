// Package cron schedules standing agent jobs: each job's prompt is run
// as a fresh isolated agent turn on its schedule and the result is
// delivered back to the job's origin channel.
package cron

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/hermes/pkg/models"
)

// ScheduleType identifies how a job's schedule expression is interpreted.
type ScheduleType string

const (
	// TypeCron is a standard five-field cron expression.
	TypeCron ScheduleType = "cron"
	// TypeInterval repeats every fixed duration ("every 5 minutes").
	TypeInterval ScheduleType = "interval"
	// TypeAt fires once at an absolute time ("in 10 minutes", ISO-8601).
	TypeAt ScheduleType = "at"
)

// Schedule is the persisted form of a parsed schedule: the type plus the
// raw expression it was parsed from.
type Schedule struct {
	Type  ScheduleType `json:"type"`
	Value string       `json:"value"`
}

// Repeat bounds how many times a job runs. Times zero means unbounded.
type Repeat struct {
	Times     int `json:"times,omitempty"`
	Completed int `json:"completed"`
}

// Exhausted reports whether a finite repeat budget has been used up.
func (r Repeat) Exhausted() bool {
	return r.Times > 0 && r.Completed >= r.Times
}

// OutputRecord is one entry in a job's run history.
type OutputRecord struct {
	Time    time.Time `json:"time"`
	Status  string    `json:"status"` // ok, error, blocked
	Output  string    `json:"output,omitempty"`
	Blocked string    `json:"blocked,omitempty"`
}

// Job is one scheduled agent run.
type Job struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	ScheduleDisplay string         `json:"schedule_display"`
	Schedule        Schedule       `json:"schedule"`
	Enabled         bool           `json:"enabled"`
	Prompt          string         `json:"prompt"`
	Repeat          Repeat         `json:"repeat"`
	NextRunAt       time.Time      `json:"next_run_at"`
	LastRunAt       time.Time      `json:"last_run_at,omitempty"`
	Origin          *models.Origin `json:"origin,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	OutputHistory   []OutputRecord `json:"output_history,omitempty"`
}

// NewJob builds a job from a user-supplied schedule expression. "in N"
// and absolute schedules default to a single run.
func NewJob(name, scheduleExpr, prompt string, origin *models.Origin, repeatTimes int, now time.Time) (*Job, error) {
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	sched, next, err := ParseSchedule(scheduleExpr, now)
	if err != nil {
		return nil, err
	}
	if sched.Type == TypeAt && repeatTimes == 0 {
		repeatTimes = 1
	}
	return &Job{
		ID:              uuid.NewString(),
		Name:            name,
		ScheduleDisplay: scheduleExpr,
		Schedule:        sched,
		Enabled:         true,
		Prompt:          prompt,
		Repeat:          Repeat{Times: repeatTimes},
		NextRunAt:       next,
		Origin:          origin,
		CreatedAt:       now,
	}, nil
}

// maxHistory bounds a job's retained output records; the oldest are
// dropped first.
const maxHistory = 20

func (j *Job) record(rec OutputRecord) {
	j.OutputHistory = append(j.OutputHistory, rec)
	if len(j.OutputHistory) > maxHistory {
		j.OutputHistory = j.OutputHistory[len(j.OutputHistory)-maxHistory:]
	}
}
