// Package addressbook owns the local mirror of a user's saved delivery
// addresses. The remote table is the source of truth: every mutation ends by
// refetching, and the cache empties whenever the scoping identity changes.
package addressbook

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zabtt/storefront/internal/domain"
	"github.com/zabtt/storefront/internal/metrics"
	"github.com/zabtt/storefront/internal/notify"
)

// Repository is the remote address table plus the city/area reference
// lookups, already mapped to domain shapes.
type Repository interface {
	ListByOwner(ctx context.Context, ownerID string) ([]domain.SavedAddress, error)
	Insert(ctx context.Context, a NewAddress) (*domain.SavedAddress, error)
	Update(ctx context.Context, ownerID, id string, fields Fields) error
	Delete(ctx context.Context, ownerID, id string) error
	// ClearDefaults demotes every address of the owner to non-default.
	ClearDefaults(ctx context.Context, ownerID string) error
	// MarkDefault promotes one address.
	MarkDefault(ctx context.Context, ownerID, id string) error
	CityName(ctx context.Context, id string) (string, error)
	AreaName(ctx context.Context, id string) (string, error)
}

// NewAddress is the remote-ready shape for an insert. City and Area hold
// display names by the time they get here.
type NewAddress struct {
	OwnerID   string
	Name      string
	Street    string
	Apartment string
	City      string
	Area      string
	ZipCode   string
	IsDefault bool
}

// Fields is a partial update; nil fields are not sent, so an omitted field
// never overwrites a stored value.
type Fields struct {
	Name      *string
	Street    *string
	Apartment *string
	City      *string
	Area      *string
	ZipCode   *string
	IsDefault *bool
}

// IdentityFeed is the slice of the session store this package needs.
type IdentityFeed interface {
	Current() *domain.Identity
	OnChange(fn func(*domain.Identity)) func()
}

// Config wires a Store.
type Config struct {
	Repo     Repository
	Identity IdentityFeed
	Logger   zerolog.Logger
	Notify   notify.Sink
	Metrics  *metrics.Metrics
}

// Store mirrors the remote address set for the active identity.
type Store struct {
	mu        sync.Mutex
	ownerID   string
	addresses []domain.SavedAddress

	repo        Repository
	identity    IdentityFeed
	logger      zerolog.Logger
	notify      notify.Sink
	metrics     *metrics.Metrics
	unsubscribe func()
}

// New builds a Store and subscribes it to identity changes. Each change
// clears the cache; a present identity triggers a background refetch.
func New(cfg Config) *Store {
	if cfg.Notify == nil {
		cfg.Notify = notify.Nop{}
	}
	s := &Store{
		repo:     cfg.Repo,
		identity: cfg.Identity,
		logger:   cfg.Logger,
		notify:   cfg.Notify,
		metrics:  cfg.Metrics,
	}
	if cur := cfg.Identity.Current(); cur != nil {
		s.ownerID = cur.ID
	}
	s.unsubscribe = cfg.Identity.OnChange(s.onIdentity)
	return s
}

// Close unregisters the identity subscription.
func (s *Store) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

func (s *Store) onIdentity(id *domain.Identity) {
	s.mu.Lock()
	s.addresses = nil
	if id == nil {
		s.ownerID = ""
	} else {
		s.ownerID = id.ID
	}
	owner := s.ownerID
	s.mu.Unlock()

	if owner != "" {
		// Refetch off the notification path; stale completions are dropped
		// by the owner check.
		go func() {
			_, _ = s.Fetch(context.Background())
		}()
	}
}

// owner returns the scoping user id, or "" when anonymous.
func (s *Store) owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerID
}

// stillOwner reports whether a result produced for owner may be applied.
// Results for a departed identity are discarded, not applied.
func (s *Store) stillOwner(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerID != owner {
		s.metrics.StaleResultDropped()
		return false
	}
	return true
}

// Fetch retrieves the full address set for the current identity, default
// first then newest first, and replaces the local cache. With no identity
// the cache is cleared and the result is empty. On remote failure the cache
// keeps its last-known value and the result is empty.
func (s *Store) Fetch(ctx context.Context) ([]domain.SavedAddress, error) {
	owner := s.owner()
	if owner == "" {
		s.mu.Lock()
		s.addresses = nil
		s.mu.Unlock()
		return nil, nil
	}

	list, err := s.repo.ListByOwner(ctx, owner)
	if err != nil {
		s.logger.Warn().Err(err).Msg("fetch addresses")
		s.metrics.RemoteFailure("addressbook")
		s.metrics.AddressOp("fetch", "error")
		return nil, err
	}

	list = s.reconcileDefaults(ctx, owner, list)

	if !s.stillOwner(owner) {
		return nil, nil
	}

	s.mu.Lock()
	s.addresses = list
	s.mu.Unlock()

	s.metrics.AddressOp("fetch", "ok")
	out := make([]domain.SavedAddress, len(list))
	copy(out, list)
	return out, nil
}

// reconcileDefaults repairs a duplicate-default set left behind by an
// interrupted two-step write: every flagged address after the first is
// demoted remotely. A zero-default set is left alone; Default() already
// falls back to the first entry.
func (s *Store) reconcileDefaults(ctx context.Context, owner string, list []domain.SavedAddress) []domain.SavedAddress {
	seen := false
	for i := range list {
		if !list[i].IsDefault {
			continue
		}
		if !seen {
			seen = true
			continue
		}
		s.logger.Warn().Str("address_id", list[i].ID).Msg("demoting duplicate default address")
		f := false
		if err := s.repo.Update(ctx, owner, list[i].ID, Fields{IsDefault: &f}); err != nil {
			s.logger.Warn().Err(err).Msg("demote duplicate default")
			continue
		}
		list[i].IsDefault = false
	}
	return list
}

// Add persists a new address. The first address for a user, or a draft
// flagged default, becomes the single default: all others are demoted
// before the insert commits so there is no two-default window. Returns the
// created address, or nil after notifying on any failure.
func (s *Store) Add(ctx context.Context, draft domain.AddressDraft) *domain.SavedAddress {
	owner := s.owner()
	if owner == "" {
		return nil
	}

	city, _ := s.resolve(ctx, draft.City, s.repo.CityName, "city")
	area := ""
	if draft.State != "" {
		area, _ = s.resolve(ctx, draft.State, s.repo.AreaName, "area")
	}

	s.mu.Lock()
	first := len(s.addresses) == 0
	s.mu.Unlock()

	isDefault := draft.IsDefault || first
	if isDefault {
		if err := s.repo.ClearDefaults(ctx, owner); err != nil {
			s.fail("add", err, "Failed to add address")
			return nil
		}
	}

	created, err := s.repo.Insert(ctx, NewAddress{
		OwnerID:   owner,
		Name:      draft.Name,
		Street:    draft.StreetAddress,
		Apartment: draft.Apartment,
		City:      city,
		Area:      area,
		ZipCode:   draft.ZipCode,
		IsDefault: isDefault,
	})
	if err != nil {
		s.fail("add", err, "Failed to add address")
		return nil
	}

	if s.stillOwner(owner) {
		_, _ = s.Fetch(ctx)
	}
	s.metrics.AddressOp("add", "ok")
	return created
}

// Update sends only the fields present in the patch. Setting is_default
// true demotes every other address first, with the same ordering guarantee
// as Add. Reports success; failures notify and return false.
func (s *Store) Update(ctx context.Context, id string, patch domain.AddressPatch) bool {
	owner := s.owner()
	if owner == "" {
		return false
	}

	fields := Fields{
		Name:      patch.Name,
		Street:    patch.StreetAddress,
		Apartment: patch.Apartment,
		ZipCode:   patch.ZipCode,
		IsDefault: patch.IsDefault,
	}
	if patch.City != nil {
		city, _ := s.resolve(ctx, *patch.City, s.repo.CityName, "city")
		fields.City = &city
	}
	if patch.State != nil {
		area, _ := s.resolve(ctx, *patch.State, s.repo.AreaName, "area")
		fields.Area = &area
	}

	if patch.IsDefault != nil && *patch.IsDefault {
		if err := s.repo.ClearDefaults(ctx, owner); err != nil {
			s.fail("update", err, "Failed to update address")
			return false
		}
	}

	if err := s.repo.Update(ctx, owner, id, fields); err != nil {
		s.fail("update", err, "Failed to update address")
		return false
	}

	if s.stillOwner(owner) {
		_, _ = s.Fetch(ctx)
	}
	s.metrics.AddressOp("update", "ok")
	return true
}

// Delete removes the address. When the default goes away and others remain,
// the first remaining address (current local order) is promoted so the user
// keeps an implicit delivery target.
func (s *Store) Delete(ctx context.Context, id string) bool {
	owner := s.owner()
	if owner == "" {
		return false
	}

	s.mu.Lock()
	wasDefault := false
	var successor string
	for _, a := range s.addresses {
		if a.ID == id {
			wasDefault = a.IsDefault
		} else if successor == "" {
			successor = a.ID
		}
	}
	s.mu.Unlock()

	if err := s.repo.Delete(ctx, owner, id); err != nil {
		s.fail("delete", err, "Failed to delete address")
		return false
	}

	if wasDefault && successor != "" {
		if err := s.repo.MarkDefault(ctx, owner, successor); err != nil {
			s.logger.Warn().Err(err).Msg("promote successor default")
		}
	}

	if s.stillOwner(owner) {
		_, _ = s.Fetch(ctx)
	}
	s.metrics.AddressOp("delete", "ok")
	return true
}

// SetDefault demotes every address, then promotes the given one. The two
// writes are not atomic; a failure in between is surfaced and left for the
// next Fetch's reconciliation and Default()'s fallback to mask.
func (s *Store) SetDefault(ctx context.Context, id string) bool {
	owner := s.owner()
	if owner == "" {
		return false
	}

	if err := s.repo.ClearDefaults(ctx, owner); err != nil {
		s.fail("set_default", err, "Failed to set default address")
		return false
	}
	if err := s.repo.MarkDefault(ctx, owner, id); err != nil {
		s.fail("set_default", err, "Failed to set default address")
		return false
	}

	if s.stillOwner(owner) {
		_, _ = s.Fetch(ctx)
	}
	s.metrics.AddressOp("set_default", "ok")
	return true
}

// Addresses returns a copy of the cached set in stored order.
func (s *Store) Addresses() []domain.SavedAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SavedAddress, len(s.addresses))
	copy(out, s.addresses)
	return out
}

// Default returns the flagged default, the first entry when none is
// flagged, or nil when the set is empty. Purely local.
func (s *Store) Default() *domain.SavedAddress {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.addresses) == 0 {
		return nil
	}
	for i := range s.addresses {
		if s.addresses[i].IsDefault {
			a := s.addresses[i]
			return &a
		}
	}
	a := s.addresses[0]
	return &a
}

// resolve maps a reference-table identifier to its display name. The value
// passes through untouched when it is not a UUID. Lookup failure falls back
// to the raw value but is observable: logged, counted, and reported false.
func (s *Store) resolve(ctx context.Context, value string, lookup func(context.Context, string) (string, error), kind string) (string, bool) {
	if !isUUID(value) {
		return value, true
	}
	name, err := lookup(ctx, value)
	if err != nil || name == "" {
		s.logger.Warn().Err(err).Str("kind", kind).Str("id", value).Msg("reference lookup failed, storing raw identifier")
		s.metrics.ResolutionFailure()
		return value, false
	}
	return name, true
}

func (s *Store) fail(op string, err error, msg string) {
	s.logger.Warn().Err(err).Str("op", op).Msg("address operation failed")
	s.metrics.RemoteFailure("addressbook")
	s.metrics.AddressOp(op, "error")
	s.notify.Error(msg)
}
