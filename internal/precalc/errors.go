package precalc

import "fmt"

// WorkerFailedError is reported for every file of a batch whose worker
// panicked. None of the batch's results are kept.
type WorkerFailedError struct {
	Worker int
	Paths  []string
	Cause  any
}

func (e *WorkerFailedError) Error() string {
	return fmt.Sprintf("precalculation worker %d failed on a batch of %d file(s): %v", e.Worker, len(e.Paths), e.Cause)
}
