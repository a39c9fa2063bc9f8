// Package notify creates per-recipient notification records and pushes them
// to live sessions, with optional email delivery.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"edurelay/internal/logging"
	"edurelay/internal/metrics"
	"edurelay/internal/presence"
	"edurelay/internal/router"
	"edurelay/pkg/interfaces"
	"edurelay/pkg/types"
)

// Audience names who receives a notification: explicit ids or one cohort.
type Audience struct {
	IDs    []string `json:"ids,omitempty"`
	Cohort string   `json:"cohort,omitempty"`
}

// Request is one notification to dispatch.
type Request struct {
	Type     types.NotificationType `json:"type"`
	Title    string                 `json:"title" validate:"required,max=200"`
	Message  string                 `json:"message" validate:"max=4000"`
	Audience Audience               `json:"audience"`
	Data     map[string]any         `json:"data,omitempty"`
	Email    string                 `json:"email,omitempty" validate:"omitempty,email"`
}

// Result summarises a dispatch. Pushed counts recipients with at least one
// live session; Emailed counts emails handed to the mailer.
type Result struct {
	Recipients int `json:"recipients"`
	Created    int `json:"created"`
	Pushed     int `json:"pushed"`
	Emailed    int `json:"emailed"`
	Failed     int `json:"failed"`
}

// Options configures a Fanout. Resolver, Contacts and Mailer are optional.
type Options struct {
	Resolver     CohortResolver
	Contacts     ContactBook
	Mailer       interfaces.Mailer
	EmailTimeout time.Duration
}

// Fanout dispatches notifications.
type Fanout struct {
	store        interfaces.Store
	directory    presence.Directory
	resolver     CohortResolver
	contacts     ContactBook
	mailer       interfaces.Mailer
	emailTimeout time.Duration
	wg           sync.WaitGroup
}

// NewFanout creates a fan-out over store and the presence directory.
func NewFanout(store interfaces.Store, directory presence.Directory, opts Options) *Fanout {
	if opts.EmailTimeout <= 0 {
		opts.EmailTimeout = 30 * time.Second
	}
	return &Fanout{
		store:        store,
		directory:    directory,
		resolver:     opts.Resolver,
		contacts:     opts.Contacts,
		mailer:       opts.Mailer,
		emailTimeout: opts.EmailTimeout,
	}
}

// Dispatch creates one record per recipient, pushes it to live sessions and
// queues email where the recipient opted in. A cohort that cannot be resolved
// fails the whole dispatch before any record exists. Per-recipient failures
// are counted in Result.Failed and do not fail the dispatch.
func (f *Fanout) Dispatch(ctx context.Context, req Request) (Result, error) {
	if !req.Type.IsValid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
	}
	if err := types.Validate(req); err != nil {
		return Result{}, err
	}

	if req.Type == types.NotificationTeacherAdded {
		return f.dispatchEmailOnly(ctx, req)
	}

	recipients, err := f.recipients(ctx, req.Audience)
	if err != nil {
		metrics.IncDispatchFailure()
		logging.Log.Warn().Err(err).Str("type", string(req.Type)).Str("cohort", req.Audience.Cohort).Msg("Notification dispatch aborted")
		return Result{}, err
	}

	res := Result{Recipients: len(recipients)}
	for _, contact := range recipients {
		n := &types.Notification{
			ID:          uuid.NewString(),
			RecipientID: contact.ID,
			Type:        req.Type,
			Title:       req.Title,
			Message:     req.Message,
			Data:        req.Data,
			CreatedAt:   time.Now().UTC(),
		}
		id, err := f.store.SaveNotification(ctx, n)
		if err != nil {
			res.Failed++
			metrics.IncPersistFailure("notification")
			logging.Log.Error().Err(err).Str("user", contact.ID).Str("type", string(req.Type)).Msg("Failed to save notification")
			continue
		}
		if id != "" {
			n.ID = id
		}
		res.Created++
		metrics.IncNotificationCreated(string(req.Type))

		if sessions := f.directory.SessionsFor(contact.ID); len(sessions) > 0 {
			router.Deliver(sessions, types.NewEvent(types.EventNewNotification, n), metrics.PathNotification)
			res.Pushed++
		}

		if contact.EmailNotifications && contact.Email != "" && f.mailer != nil {
			f.sendEmail(ctx, contact.Email, req.Title, emailBody(req))
			res.Emailed++
		}
	}

	logging.Log.Info().
		Str("type", string(req.Type)).
		Int("recipients", res.Recipients).
		Int("created", res.Created).
		Int("pushed", res.Pushed).
		Int("emailed", res.Emailed).
		Int("failed", res.Failed).
		Msg("Notification dispatched")
	return res, nil
}

func (f *Fanout) dispatchEmailOnly(ctx context.Context, req Request) (Result, error) {
	if req.Email == "" {
		return Result{}, ErrMissingEmail
	}
	if f.mailer == nil {
		logging.Log.Warn().Str("type", string(req.Type)).Msg("No mailer configured, dropping email-only notification")
		return Result{Recipients: 1}, nil
	}
	f.sendEmail(ctx, req.Email, req.Title, emailBody(req))
	return Result{Recipients: 1, Emailed: 1}, nil
}

// recipients returns the deduplicated audience with whatever contact details
// are known.
func (f *Fanout) recipients(ctx context.Context, aud Audience) ([]types.Contact, error) {
	hasIDs, hasCohort := len(aud.IDs) > 0, strings.TrimSpace(aud.Cohort) != ""
	if hasIDs == hasCohort {
		return nil, ErrInvalidAudience
	}

	if hasCohort {
		if f.resolver == nil {
			return nil, ErrNoResolver
		}
		contacts, err := f.resolver.Resolve(ctx, aud.Cohort)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrAudienceUnresolved, aud.Cohort, err)
		}
		valid := lo.Filter(contacts, func(c types.Contact, _ int) bool { return types.IsValidUserID(c.ID) })
		return lo.UniqBy(valid, func(c types.Contact) string { return c.ID }), nil
	}

	ids := lo.Uniq(aud.IDs)
	for _, id := range ids {
		if !types.IsValidUserID(id) {
			return nil, fmt.Errorf("%w: invalid recipient id %q", ErrInvalidAudience, id)
		}
	}

	known := map[string]types.Contact{}
	if f.contacts != nil {
		found, err := f.contacts.Contacts(ctx, ids)
		if err != nil {
			logging.Log.Warn().Err(err).Int("recipients", len(ids)).Msg("Contact lookup failed, notifying without email")
		} else {
			known = found
		}
	}
	return lo.Map(ids, func(id string, _ int) types.Contact {
		if c, ok := known[id]; ok {
			c.ID = id
			return c
		}
		return types.Contact{ID: id}
	}), nil
}

// sendEmail hands one email to the mailer on its own goroutine. The send
// outlives the dispatch context but not the configured email timeout.
func (f *Fanout) sendEmail(ctx context.Context, to, subject, body string) {
	metrics.IncEmailQueued()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.emailTimeout)
		defer cancel()
		if err := f.mailer.Send(sendCtx, to, subject, body); err != nil {
			logging.Log.Error().Err(err).Str("to", to).Msg("Email delivery failed")
		}
	}()
}

// Wait blocks until queued emails finish or ctx is done.
func (f *Fanout) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func emailBody(req Request) string {
	if req.Message == "" {
		return req.Title
	}
	return req.Title + "\n\n" + req.Message
}
