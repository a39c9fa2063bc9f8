package groups

import "errors"

var (
	ErrInvalidGroupID    = errors.New("group ID must be 1-200 characters")
	ErrInvalidGroupName  = errors.New("group name must be 1-200 characters")
	ErrInvalidCreatedBy  = errors.New("created_by must be valid user ID")
	ErrInvalidSubscriber = errors.New("invalid subscriber ID format")
	ErrGroupNotFound     = errors.New("group not found")
	ErrGroupExists       = errors.New("group already exists")
)
