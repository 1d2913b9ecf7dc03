package notify

import "errors"

// Error taxonomy. NotFound/Conflict surface to the caller at create/update/
// delete time and are never retried. An upstream failure during a scheduled
// firing has no waiting caller; it converts into the disable path instead.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("thread already bound to a reminder")
	ErrUpstream = errors.New("chat platform call failed")
	ErrStorage  = errors.New("storage failure")
)
