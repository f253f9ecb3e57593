// Package reaper reconciles on-disk job working directories with the task
// store. A directory whose task is gone is deleted immediately; one whose
// task finished is deleted after a grace period; a running task's
// directory is never touched regardless of age.
package reaper

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/opsmesh/dispatchd/pkg/models"
	"github.com/opsmesh/dispatchd/pkg/storage"
)

// workDirPrefix is shared with the execution side; both ends must agree on
// the naming convention for reconciliation to work.
const workDirPrefix = "dispatchd_"

// WorkDirPattern returns the MkdirTemp pattern for a task's working
// directory.
func WorkDirPattern(taskID string) string {
	return workDirPrefix + taskID + "_"
}

// TaskIDFromDir extracts the task identifier embedded in a working
// directory name, reporting false for names outside the convention.
func TaskIDFromDir(name string) (string, bool) {
	if !strings.HasPrefix(name, workDirPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(name, workDirPrefix)
	id, _, found := strings.Cut(rest, "_")
	if !found || id == "" {
		return "", false
	}
	return id, true
}

type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type Reaper struct {
	store   storage.Store
	baseDir string
	logger  Logger
	now     func() time.Time
}

func New(store storage.Store, baseDir string, logger Logger) *Reaper {
	return &Reaper{store: store, baseDir: baseDir, logger: logger, now: time.Now}
}

// Reap walks the base directory once and applies the deletion policy. A
// zero grace period is valid and makes terminal-task directories eligible
// immediately.
func (r *Reaper) Reap(gracePeriod time.Duration) error {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return errors.Wrapf(err, "read working directory root %s", r.baseDir)
	}
	now := r.now()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskID, ok := TaskIDFromDir(entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(r.baseDir, entry.Name())
		shouldDelete, reason, err := r.evaluate(taskID, path, now, gracePeriod)
		if err != nil {
			r.logger.Errorf("Could not evaluate %s: %v", path, err)
			continue
		}
		if !shouldDelete {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			r.logger.Errorf("Failed to delete %s: %v", path, err)
			continue
		}
		r.logger.Infof("Deleted stale working directory %s (%s)", path, reason)
	}
	return nil
}

func (r *Reaper) evaluate(taskID, path string, now time.Time, gracePeriod time.Duration) (bool, string, error) {
	t, err := r.store.GetTask(taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return true, "task no longer exists", nil
	}
	if err != nil {
		return false, "", errors.Wrapf(err, "get task %s", taskID)
	}
	if !t.Status.IsTerminal() {
		return false, "", nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, "", errors.Wrap(err, "stat working directory")
	}
	if now.Sub(info.ModTime()) <= gracePeriod {
		return false, "", nil
	}
	return true, fmt.Sprintf("task finished %s", t.Status), nil
}

// CreateWorkDir makes a task's working directory under base, using the
// shared naming convention. The execution side calls this at dispatch time;
// tests use it to lay out reconcilable state.
func CreateWorkDir(base string, t models.Task) (string, error) {
	dir, err := os.MkdirTemp(base, WorkDirPattern(t.ID))
	if err != nil {
		return "", errors.Wrapf(err, "create working directory for task %s", t.ID)
	}
	return dir, nil
}
