package models

import (
	"path"
	"strings"
)

// RemoteIndexEntry is one product document listed in the remote manifest.
type RemoteIndexEntry struct {
	CategoryID string
	FileID     string
	ProductID  string
	Path       string
	URL        string
	Updated    string
	Quality    string
}

// FileIDFromPath derives the file identifier from a remote or local path.
func FileIDFromPath(p string) string {
	return strings.TrimSuffix(path.Base(strings.ReplaceAll(p, "\\", "/")), ".xml")
}

// LocalFileRecord describes one document found in the local mirror.
type LocalFileRecord struct {
	CategoryID string
	FileID     string
	Path       string
	Size       int64
	Valid      bool // false for partial or corrupt files
}

// TaskState is the lifecycle state of a DownloadTask.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskSuccess
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskSuccess:
		return "success"
	case TaskFailed:
		return "failed-permanent"
	default:
		return "unknown"
	}
}

// DownloadTask tracks the fetch of one missing entry.
type DownloadTask struct {
	Entry    RemoteIndexEntry
	Attempts int
	State    TaskState
	Err      error
}

// NewDownloadTask creates a pending task for entry.
func NewDownloadTask(entry RemoteIndexEntry) *DownloadTask {
	return &DownloadTask{Entry: entry, State: TaskPending}
}

// Succeed marks the task as done. Failed tasks stay failed.
func (t *DownloadTask) Succeed() {
	if t.State == TaskFailed {
		return
	}
	t.State = TaskSuccess
	t.Err = nil
}

// Fail marks the task as permanently failed.
func (t *DownloadTask) Fail(err error) {
	if t.State == TaskSuccess {
		return
	}
	t.State = TaskFailed
	t.Err = err
}
