package pddb

import "errors"

var (
	ErrInvalidArgument = errors.New("pddb: invalid argument")
	ErrTooLarge        = errors.New("pddb: value too large")
	ErrNotFound        = errors.New("pddb: not found")
	ErrNoBasis         = errors.New("pddb: no basis mounted")
	ErrAlreadyMounted  = errors.New("pddb: basis already mounted")
	ErrBasisExists     = errors.New("pddb: basis already exists")
	ErrUninit          = errors.New("pddb: medium not formatted")
	ErrBusy            = errors.New("pddb: bases are mounted")
	ErrBrokenMapping   = errors.New("pddb: key mapping changed under handle")
	ErrSuspended       = errors.New("pddb: database suspended")
	ErrCorrupt         = errors.New("pddb: page failed authentication")
	ErrClosed          = errors.New("pddb: database closed")
	ErrStopped         = errors.New("pddb: server stopped")
)
