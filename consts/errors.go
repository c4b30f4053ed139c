package consts

import "errors"

var (
	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrNotPermitted    = errors.New("operation not permitted")
)
