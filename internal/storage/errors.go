package storage

import "fmt"

// NotFoundError is returned by Load when the storage file does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("storage file not found: %s", e.Path)
}

// CorruptError is returned by Load when the file exists but is not a valid storage.
type CorruptError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt storage file %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt storage file %s: %s", e.Path, e.Reason)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// WriteError is returned by Save when the storage could not be written. The
// previous file at Path, if any, is left untouched.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write storage file %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
