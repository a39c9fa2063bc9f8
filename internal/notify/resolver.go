package notify

import (
	"context"
	"time"

	"edurelay/internal/rpc"
	"edurelay/pkg/types"
)

// TopicResolveAudience is the broker topic answered by the audience resolver.
const TopicResolveAudience = "resolve-audience"

// CohortResolver expands a named cohort into recipients with contact details.
type CohortResolver interface {
	Resolve(ctx context.Context, cohort string) ([]types.Contact, error)
}

// ContactBook looks up contact details of explicitly addressed recipients.
// Missing ids are simply absent from the result.
type ContactBook interface {
	Contacts(ctx context.Context, ids []string) (map[string]types.Contact, error)
}

// CohortQuery is the request body of a resolve-audience call.
type CohortQuery struct {
	Cohort string `json:"cohort"`
}

// CohortReply is the response body of a resolve-audience call.
type CohortReply struct {
	Recipients []types.Contact `json:"recipients"`
}

// RPCResolver resolves cohorts through a correlated broker call.
type RPCResolver struct {
	client  *rpc.Client
	topic   string
	timeout time.Duration
}

// NewRPCResolver calls topic (TopicResolveAudience when empty) with timeout
// (the client default when zero).
func NewRPCResolver(client *rpc.Client, topic string, timeout time.Duration) *RPCResolver {
	if topic == "" {
		topic = TopicResolveAudience
	}
	return &RPCResolver{client: client, topic: topic, timeout: timeout}
}

func (r *RPCResolver) Resolve(ctx context.Context, cohort string) ([]types.Contact, error) {
	var reply CohortReply
	if err := r.client.CallInto(ctx, r.topic, CohortQuery{Cohort: cohort}, &reply, r.timeout); err != nil {
		return nil, err
	}
	return reply.Recipients, nil
}
