package runner

import "fmt"

// JobError is a job failing before the run was decided.
type JobError struct {
	Err error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job failed: %v", e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
