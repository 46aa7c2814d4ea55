package repository

import (
	"encoding/json"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/resume-pipeline/constants"
)

// JobUpdate describes a partial update of one job. When WhereStatus is used
// the update only applies if the row is still in one of those states, and a
// miss is reported as common.ErrConflict.
type JobUpdate struct {
	ID     string
	guard  []constants.JobStatus
	status constants.JobStatus
	steps  []func(u *entsql.UpdateBuilder, now time.Time)
}

// UpdateJob starts an update of job id.
func UpdateJob(id string) *JobUpdate {
	return &JobUpdate{ID: id}
}

func (u *JobUpdate) add(step func(*entsql.UpdateBuilder, time.Time)) *JobUpdate {
	u.steps = append(u.steps, step)
	return u
}

func (u *JobUpdate) WhereStatus(statuses ...constants.JobStatus) *JobUpdate {
	u.guard = append(u.guard, statuses...)
	return u
}

func (u *JobUpdate) SetStatus(s constants.JobStatus) *JobUpdate {
	u.status = s
	return u.add(func(b *entsql.UpdateBuilder, _ time.Time) { b.Set("status", string(s)) })
}

func (u *JobUpdate) SetOutput(out json.RawMessage) *JobUpdate {
	return u.add(func(b *entsql.UpdateBuilder, _ time.Time) { b.Set("output", string(out)) })
}

func (u *JobUpdate) SetStagedOutput(out json.RawMessage) *JobUpdate {
	return u.add(func(b *entsql.UpdateBuilder, _ time.Time) { b.Set("staged_output", string(out)) })
}

func (u *JobUpdate) ClearStagedOutput() *JobUpdate {
	return u.add(func(b *entsql.UpdateBuilder, _ time.Time) { b.SetNull("staged_output") })
}

func (u *JobUpdate) SetLastError(msg string) *JobUpdate {
	return u.add(func(b *entsql.UpdateBuilder, _ time.Time) { b.Set("last_error", msg) })
}

func (u *JobUpdate) ClearLastError() *JobUpdate {
	return u.add(func(b *entsql.UpdateBuilder, _ time.Time) { b.SetNull("last_error") })
}

func (u *JobUpdate) IncTotalAttempts() *JobUpdate {
	return u.add(func(b *entsql.UpdateBuilder, _ time.Time) { b.Add("total_attempts", 1) })
}

func (u *JobUpdate) IncAttemptCount() *JobUpdate {
	return u.add(func(b *entsql.UpdateBuilder, _ time.Time) { b.Add("attempt_count", 1) })
}

// MarkCompleted stamps completed_at with the store clock.
func (u *JobUpdate) MarkCompleted() *JobUpdate {
	return u.add(func(b *entsql.UpdateBuilder, now time.Time) { b.Set("completed_at", now) })
}

// Status returns the status this update sets, or "" if it leaves it alone.
func (u *JobUpdate) Status() constants.JobStatus { return u.status }

func (u *JobUpdate) build(b *entsql.DialectBuilder, now time.Time) *entsql.UpdateBuilder {
	ub := b.Update(jobsTable).Set("updated_at", now)
	for _, step := range u.steps {
		step(ub, now)
	}
	pred := entsql.EQ("id", u.ID)
	if len(u.guard) > 0 {
		vals := make([]any, len(u.guard))
		for i, s := range u.guard {
			vals[i] = string(s)
		}
		pred = entsql.And(pred, entsql.In("status", vals...))
	}
	return ub.Where(pred)
}
