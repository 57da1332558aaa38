package common

import "github.com/pkg/errors"

// Engine error kinds. Call sites wrap these with context via
// errors.Wrapf and callers match with errors.Is.
var (
	ErrIo              = errors.New("io error")
	ErrChecksum        = errors.New("checksum mismatch")
	ErrInvalidLsid     = errors.New("invalid lsid")
	ErrLogOverflow     = errors.New("log overflow")
	ErrReadOnly        = errors.New("device is read-only")
	ErrNameConflict    = errors.New("name already exists")
	ErrNotFound        = errors.New("not found")
	ErrBusy            = errors.New("busy")
	ErrInvalidArgument = errors.New("invalid argument")
)
