package errors

import "errors"

// Benign races. A path or record that vanished between check and act is
// reclassified on the next scan, never surfaced to the user.
var ErrNotFound = errors.New("path or record not found")

// Lock arbitration errors.
var (
	ErrAlreadyLocked          = errors.New("file is already checked out")
	ErrLockConflict           = errors.New("checkout contention")
	ErrMachineOnlineElsewhere = errors.New("file is checked out on another machine that is still online")
	ErrForceRequired          = errors.New("checkin from a different machine requires force confirmation")
	ErrNotPrivileged          = errors.New("caller lacks the privilege for a force release")
)

// Transport and local I/O errors.
var (
	ErrNetwork    = errors.New("remote service request failed")
	ErrPermission = errors.New("local filesystem operation not permitted")
)
