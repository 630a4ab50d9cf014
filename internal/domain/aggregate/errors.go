package aggregate

import "errors"

var (
	ErrLocked            = errors.New("aggregate is locked")
	ErrUnregisteredEvent = errors.New("event type is not registered")
	ErrIDAlreadySet      = errors.New("aggregate id already set")
	ErrInvalidEventName  = errors.New("invalid event name")
	ErrDuplicateHandler  = errors.New("handler already registered")
	ErrEventTypeMismatch = errors.New("event payload does not match its name")
	ErrUnknownType       = errors.New("unknown aggregate type")
	ErrDuplicateType     = errors.New("aggregate type already registered")
)
