package notify

import "errors"

var (
	ErrInvalidType        = errors.New("unknown notification type")
	ErrInvalidAudience    = errors.New("audience must name either recipient ids or a cohort")
	ErrMissingEmail       = errors.New("teacher_added notifications need an email address")
	ErrNoResolver         = errors.New("no cohort resolver configured")
	ErrAudienceUnresolved = errors.New("cohort could not be resolved")
)
