package engine

// ForbiddenError maps to HTTP 403: the caller is known but the operation is
// not allowed in the current project state.
type ForbiddenError struct {
	Message string
}

func (e ForbiddenError) Error() string { return e.Message }

// NoWorkError maps to HTTP 404: the pull found nothing to hand out.
type NoWorkError struct {
	Message string
}

func (e NoWorkError) Error() string { return e.Message }

// ValidationError maps to HTTP 400.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string { return e.Message }

// ConflictError maps to HTTP 409, e.g. a lock that could not be acquired
// before the deadline.
type ConflictError struct {
	Message string
}

func (e ConflictError) Error() string { return e.Message }
