package reposync

import "fmt"

// SyncError is returned if a step of the synchronization failed. Err is
// typically a *project.CommandExecutionError.
type SyncError struct {
	Op  string
	Dir string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %s: %v", e.Dir, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}
