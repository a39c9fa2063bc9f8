// Package audience answers resolve-audience calls: it expands a cohort name
// into the contacts of its members.
package audience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"edurelay/internal/notify"
	"edurelay/internal/rpc"
	"edurelay/pkg/types"
)

// Cohort names understood by the resolver. A group cohort is written
// "group:<group id>".
const (
	CohortStudents = "students"
	CohortTeachers = "teachers"
	CohortAdmins   = "admins"
	CohortAll      = "all"
	groupPrefix    = "group:"
)

var ErrUnknownCohort = errors.New("unknown cohort")

// Directory lists participants. internal/database.Manager implements it.
type Directory interface {
	ContactsByRole(ctx context.Context, roles ...string) ([]types.Contact, error)
	Contacts(ctx context.Context, ids []string) (map[string]types.Contact, error)
}

// SubscriberSource lists the subscribers of a group.
type SubscriberSource interface {
	Subscribers(ctx context.Context, groupID string) ([]string, error)
}

// Resolver expands cohorts from the participant directory.
type Resolver struct {
	directory Directory
	groups    SubscriberSource
}

// NewResolver creates a resolver. groups may be nil, which disables group
// cohorts.
func NewResolver(directory Directory, groups SubscriberSource) *Resolver {
	return &Resolver{directory: directory, groups: groups}
}

// Resolve returns the contacts of every member of cohort.
func (r *Resolver) Resolve(ctx context.Context, cohort string) ([]types.Contact, error) {
	name := strings.ToLower(strings.TrimSpace(cohort))
	switch name {
	case CohortStudents:
		return r.byRole(ctx, types.RoleStudent)
	case CohortTeachers:
		return r.byRole(ctx, types.RoleTeacher)
	case CohortAdmins:
		return r.byRole(ctx, types.RoleAdmin)
	case CohortAll:
		return r.byRole(ctx)
	}

	if groupID, ok := strings.CutPrefix(strings.TrimSpace(cohort), groupPrefix); ok && r.groups != nil && groupID != "" {
		return r.group(ctx, groupID)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCohort, cohort)
}

func (r *Resolver) byRole(ctx context.Context, roles ...string) ([]types.Contact, error) {
	contacts, err := r.directory.ContactsByRole(ctx, roles...)
	if err != nil {
		return nil, fmt.Errorf("directory lookup failed: %w", err)
	}
	if contacts == nil {
		contacts = []types.Contact{}
	}
	return contacts, nil
}

// group resolves subscribers; those without a directory entry are returned
// without email details.
func (r *Resolver) group(ctx context.Context, groupID string) ([]types.Contact, error) {
	ids, err := r.groups.Subscribers(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("group lookup failed: %w", err)
	}
	known, err := r.directory.Contacts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("directory lookup failed: %w", err)
	}

	out := make([]types.Contact, 0, len(ids))
	for _, id := range ids {
		if c, ok := known[id]; ok {
			out = append(out, c)
			continue
		}
		out = append(out, types.Contact{ID: id})
	}
	return out, nil
}

// Register answers topic on srv.
func (r *Resolver) Register(srv *rpc.Server, topic string) error {
	if topic == "" {
		topic = notify.TopicResolveAudience
	}
	return srv.Handle(topic, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var query notify.CohortQuery
		if err := json.Unmarshal(payload, &query); err != nil {
			return nil, fmt.Errorf("malformed query: %w", err)
		}
		recipients, err := r.Resolve(ctx, query.Cohort)
		if err != nil {
			return nil, err
		}
		return notify.CohortReply{Recipients: recipients}, nil
	})
}
