// Package report models the scan result persisted once a task reaches done.
package report

import (
	"time"

	"github.com/google/uuid"
)

// Report is the opaque result of one completed task. Created exactly once,
// on the running → done transition, and linked back from the task row.
type Report struct {
	ID          uuid.UUID
	TaskID      uuid.UUID
	Content     []byte
	ContentType string
	Filename    string
	Size        int
	CreatedAt   time.Time
}

// New builds a Report ready for insertion from engine-fetched bytes.
func New(taskID uuid.UUID, content []byte, contentType, filename string) Report {
	return Report{
		ID:          uuid.New(),
		TaskID:      taskID,
		Content:     content,
		ContentType: contentType,
		Filename:    filename,
		Size:        len(content),
		CreatedAt:   time.Now().UTC(),
	}
}
