package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const scheduledJobColumns = `id, name, agent_id, template_id, schedule_kind, schedule_expr, schedule_interval, timezone,
	task_prompt, briefing_enabled, min_importance, max_daily, instance_config, last_run_context, last_result, last_error,
	run_count, success_count, failure_count, last_run_at, next_run_at, is_active, created_by, created_at, updated_at`

// --- Scheduled jobs ---

func (s *Store) CreateScheduledJob(j ScheduledJob) error {
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	instance, err := encodeJSON(j.InstanceConfig, "{}")
	if err != nil {
		return fmt.Errorf("encoding instance_config: %w", err)
	}
	runCtx, err := encodeJSON(j.LastRunContext, "{}")
	if err != nil {
		return fmt.Errorf("encoding last_run_context: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO scheduled_jobs (`+scheduledJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.AgentID, j.TemplateID, j.Schedule.Kind, j.Schedule.Expression,
		int64(j.Schedule.Interval/time.Second), j.Schedule.Timezone,
		j.TaskPrompt, boolInt(j.Policy.Enabled), j.Policy.MinImportanceScore, j.Policy.MaxDailyBriefings,
		instance, runCtx, j.LastResult, j.LastError,
		j.RunCount, j.SuccessCount, j.FailureCount,
		formatTime(j.LastRunAt), formatTime(j.NextRunAt), boolInt(j.IsActive), j.CreatedBy,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	return err
}

func (s *Store) GetScheduledJob(id string) (ScheduledJob, error) {
	row := s.db.QueryRow(`SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	j, err := scanScheduledJob(row)
	if err == sql.ErrNoRows {
		return ScheduledJob{}, ErrNotFound
	}
	return j, err
}

// ListScheduledJobs returns jobs ordered by creation time. With activeOnly
// set, inactive jobs are omitted.
func (s *Store) ListScheduledJobs(activeOnly bool) ([]ScheduledJob, error) {
	query := `SELECT ` + scheduledJobColumns + ` FROM scheduled_jobs`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledJob
	for rows.Next() {
		j, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateScheduledJobDefinition rewrites the user-editable fields of a job:
// name, prompt, schedule, policy, instance config and active flag. Run
// bookkeeping is left untouched.
func (s *Store) UpdateScheduledJobDefinition(j ScheduledJob) error {
	instance, err := encodeJSON(j.InstanceConfig, "{}")
	if err != nil {
		return fmt.Errorf("encoding instance_config: %w", err)
	}
	res, err := s.db.Exec(`UPDATE scheduled_jobs SET
		name = ?, task_prompt = ?, schedule_kind = ?, schedule_expr = ?, schedule_interval = ?, timezone = ?,
		briefing_enabled = ?, min_importance = ?, max_daily = ?, instance_config = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		j.Name, j.TaskPrompt, j.Schedule.Kind, j.Schedule.Expression, int64(j.Schedule.Interval/time.Second),
		j.Schedule.Timezone, boolInt(j.Policy.Enabled), j.Policy.MinImportanceScore, j.Policy.MaxDailyBriefings,
		instance, boolInt(j.IsActive), formatTime(s.now()), j.ID,
	)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// SetJobActive toggles the active flag. Deactivation clears next_run_at.
func (s *Store) SetJobActive(id string, active bool) error {
	query := `UPDATE scheduled_jobs SET is_active = ?, updated_at = ? WHERE id = ?`
	if !active {
		query = `UPDATE scheduled_jobs SET is_active = ?, next_run_at = '', updated_at = ? WHERE id = ?`
	}
	res, err := s.db.Exec(query, boolInt(active), formatTime(s.now()), id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// SetNextRun persists next_run_at. A zero time clears it.
func (s *Store) SetNextRun(id string, next time.Time) error {
	res, err := s.db.Exec(`UPDATE scheduled_jobs SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(next), formatTime(s.now()), id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// RecordRunSuccess applies the bookkeeping of a successful run.
func (s *Store) RecordRunSuccess(id string, at time.Time, result string, runCtx RunContext) error {
	encoded, err := encodeJSON(runCtx, "{}")
	if err != nil {
		return fmt.Errorf("encoding last_run_context: %w", err)
	}
	res, err := s.db.Exec(`UPDATE scheduled_jobs SET
		run_count = run_count + 1, success_count = success_count + 1,
		last_result = ?, last_run_context = ?, last_error = '', last_run_at = ?, updated_at = ?
		WHERE id = ?`,
		result, encoded, formatTime(at), formatTime(s.now()), id,
	)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// RecordRunFailure applies the bookkeeping of a failed or skipped run.
func (s *Store) RecordRunFailure(id string, at time.Time, errMsg string) error {
	res, err := s.db.Exec(`UPDATE scheduled_jobs SET
		run_count = run_count + 1, failure_count = failure_count + 1,
		last_error = ?, last_run_at = ?, updated_at = ?
		WHERE id = ?`,
		errMsg, formatTime(at), formatTime(s.now()), id,
	)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (s *Store) DeleteScheduledJob(id string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledJob(r rowScanner) (ScheduledJob, error) {
	var (
		j                                      ScheduledJob
		intervalSecs                           int64
		enabled, active                        int
		instance, runCtx                       string
		lastRun, nextRun, createdAt, updatedAt string
	)
	err := r.Scan(
		&j.ID, &j.Name, &j.AgentID, &j.TemplateID, &j.Schedule.Kind, &j.Schedule.Expression, &intervalSecs,
		&j.Schedule.Timezone, &j.TaskPrompt, &enabled, &j.Policy.MinImportanceScore, &j.Policy.MaxDailyBriefings,
		&instance, &runCtx, &j.LastResult, &j.LastError, &j.RunCount, &j.SuccessCount, &j.FailureCount,
		&lastRun, &nextRun, &active, &j.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return ScheduledJob{}, err
	}
	j.Schedule.Interval = time.Duration(intervalSecs) * time.Second
	j.Policy.Enabled = enabled == 1
	j.IsActive = active == 1

	if err := decodeJSON("instance_config", instance, &j.InstanceConfig); err != nil {
		return ScheduledJob{}, err
	}
	if err := decodeJSON("last_run_context", runCtx, &j.LastRunContext); err != nil {
		return ScheduledJob{}, err
	}
	if j.LastRunAt, err = parseTime("last_run_at", lastRun); err != nil {
		return ScheduledJob{}, err
	}
	if j.NextRunAt, err = parseTime("next_run_at", nextRun); err != nil {
		return ScheduledJob{}, err
	}
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return ScheduledJob{}, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return ScheduledJob{}, err
	}
	return j, nil
}

// --- Job templates ---

func (s *Store) SaveJobTemplate(t JobTemplate) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	cfg, err := encodeJSON(t.DefaultConfig, "{}")
	if err != nil {
		return fmt.Errorf("encoding default_config: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO job_templates (id, name, agent_id, prompt, default_config, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, agent_id = excluded.agent_id,
			prompt = excluded.prompt, default_config = excluded.default_config`,
		t.ID, t.Name, t.AgentID, t.Prompt, cfg, formatTime(t.CreatedAt),
	)
	return err
}

func (s *Store) GetJobTemplate(id string) (JobTemplate, error) {
	var t JobTemplate
	var cfg, createdAt string
	err := s.db.QueryRow(`SELECT id, name, agent_id, prompt, default_config, created_at FROM job_templates WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.AgentID, &t.Prompt, &cfg, &createdAt)
	if err == sql.ErrNoRows {
		return JobTemplate{}, ErrNotFound
	}
	if err != nil {
		return JobTemplate{}, err
	}
	if err := decodeJSON("default_config", cfg, &t.DefaultConfig); err != nil {
		return JobTemplate{}, err
	}
	if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return JobTemplate{}, err
	}
	return t, nil
}
