package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Task types.
const (
	TaskToolUse = "tool_use"
	TaskMessage = "message"
	TaskError   = "error"
	TaskStatus  = "status"
)

type JobTask struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	Sequence  int    `json:"sequence"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func isValidTaskType(t string) bool {
	switch t {
	case TaskToolUse, TaskMessage, TaskError, TaskStatus:
		return true
	default:
		return false
	}
}

// AddTask appends a task to the job's history. The sequence is computed in
// the insert itself as one more than the job's current maximum, so it keeps
// growing across retries. Content that is not a string or []byte is stored
// as JSON.
func (s *Store) AddTask(ctx context.Context, jobID, taskType string, content any) (JobTask, error) {
	if !isValidTaskType(taskType) {
		return JobTask{}, fmt.Errorf("invalid task type %q", taskType)
	}
	text, err := taskContent(content)
	if err != nil {
		return JobTask{}, fmt.Errorf("encode %s task for job %s: %w", taskType, jobID, err)
	}

	t := JobTask{ID: uuid.NewString(), JobID: jobID, Type: taskType, Content: text}
	const q = `
INSERT INTO job_tasks(id, job_id, sequence, type, content)
SELECT ?, ?, COALESCE(MAX(sequence), 0) + 1, ?, ?
FROM job_tasks WHERE job_id = ?
RETURNING sequence, created_at`
	err = s.Writer.QueryRowContext(ctx, q, t.ID, jobID, taskType, text, jobID).Scan(&t.Sequence, &t.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return JobTask{}, fmt.Errorf("add task to job %s: %w", jobID, ErrNotFound)
		}
		return JobTask{}, fmt.Errorf("add task to job %s: %w", jobID, err)
	}
	return t, nil
}

// ListTasks returns the job's history in sequence order.
func (s *Store) ListTasks(ctx context.Context, jobID string) ([]JobTask, error) {
	rows, err := s.Reader.QueryContext(ctx, `
SELECT id, job_id, sequence, type, COALESCE(content,''), created_at
FROM job_tasks WHERE job_id = ? ORDER BY sequence ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []JobTask
	for rows.Next() {
		var t JobTask
		if err := rows.Scan(&t.ID, &t.JobID, &t.Sequence, &t.Type, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func taskContent(content any) (string, error) {
	switch v := content.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
