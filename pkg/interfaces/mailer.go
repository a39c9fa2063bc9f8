package interfaces

import "context"

// Mailer is the out-of-band email collaborator. Failures stay with the
// collaborator and never flow back into notification state.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}
