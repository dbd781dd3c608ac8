package elevation

import "errors"

var (
	ErrNotFound     = errors.New("elevation: not found")
	ErrInvalidInput = errors.New("elevation: invalid input")
	ErrAccessDenied = errors.New("elevation: access denied")
	ErrRateLimited  = errors.New("elevation: too many attempts")
	ErrInvalidToken = errors.New("elevation: invalid token")
	ErrTokenUsed    = errors.New("elevation: token already used")
)
