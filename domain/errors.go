package domain

import "errors"

var (
	ErrInitialization = errors.New("post store initialization failed")
	ErrDuplicateID    = errors.New("post id already exists")
	ErrNotFound       = errors.New("post not found")
	ErrEngine         = errors.New("persistence engine error")
	ErrInvalidPage    = errors.New("page and page size must be positive")
)
