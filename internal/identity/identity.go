// Package identity resolves the stable identifier a chat session is keyed by.
package identity

import (
	"context"
	"crypto/rand"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crewdeck/crewchat/internal/store"
)

const (
	guestPrefix       = "guest_"
	guestSuffixLength = 9
)

var guestIDPattern = regexp.MustCompile(`^guest_\d+_[a-z0-9]{9}$`)

// Principal is the authenticated user a session runs as. The zero value is
// an anonymous visitor.
type Principal struct {
	UserID string
}

// Authenticated reports whether the principal carries a user id.
func (p Principal) Authenticated() bool {
	return strings.TrimSpace(p.UserID) != ""
}

// Resolver picks the identity for a session: the authenticated user id when
// one is present, otherwise a guest id persisted in the client state store.
type Resolver struct {
	principal Principal
	state     store.StateStore
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cached string
}

// NewResolver creates a resolver. state may be nil, in which case guest ids
// live only as long as the resolver.
func NewResolver(state store.StateStore, principal Principal, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		principal: principal,
		state:     state,
		logger:    logger,
		now:       time.Now,
	}
}

// Authenticated reports whether Resolve returns a real user id.
func (r *Resolver) Authenticated() bool {
	return r.principal.Authenticated()
}

// Resolve returns the session identity. It never fails: storage errors are
// logged and a freshly generated guest id is returned instead.
func (r *Resolver) Resolve(ctx context.Context) string {
	if r.principal.Authenticated() {
		return strings.TrimSpace(r.principal.UserID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != "" {
		return r.cached
	}

	if r.state != nil {
		stored, ok, err := r.state.GetState(ctx, store.GuestIDKey)
		switch {
		case err != nil:
			r.logger.Warn("Failed to read persisted guest id", "error", err)
		case ok && IsGuestID(stored):
			r.cached = stored
			return stored
		case ok:
			r.logger.Warn("Discarding malformed guest id", "guest_id", stored)
		}
	}

	id := GenerateGuestID(r.now())
	if r.state != nil {
		if err := r.state.SetState(ctx, store.GuestIDKey, id); err != nil {
			r.logger.Warn("Failed to persist guest id", "error", err)
		}
	}
	r.cached = id
	r.logger.Info("Generated guest identity", "guest_id", id)
	return id
}

// Clear forgets the persisted guest id, e.g. after the visitor logs in.
func (r *Resolver) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cached = ""
	if r.state == nil {
		return nil
	}
	return r.state.DeleteState(ctx, store.GuestIDKey)
}

// GenerateGuestID builds an id of the form guest_<unix-millis>_<9 random chars>.
// The suffix only has to be unique enough to scope a session.
func GenerateGuestID(now time.Time) string {
	suffix := strings.ToLower(rand.Text()[:guestSuffixLength])
	return guestPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix
}

// IsGuestID reports whether id was produced by GenerateGuestID.
func IsGuestID(id string) bool {
	return guestIDPattern.MatchString(id)
}
