// Package actors resolves validated sessions into race room actors.
package actors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/raceroom/internal/auth"
	"github.com/MarcoPoloResearchLab/raceroom/internal/races"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("actors: invalid identity")

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the provider:subject to actor id mapping. It implements
// races.ActorDirectory.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("actors: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// ResolveActor returns the actor behind the claims, recording the identity the
// first time the provider+subject pair is seen.
func (s *Service) ResolveActor(ctx context.Context, claims auth.SessionClaims) (races.Actor, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return races.Actor{}, ErrInvalidIdentity
	}
	display := normalize(claims.UserDisplayName)

	cacheKey := provider + ":" + subject
	actorID, cached := s.cachedActorID(cacheKey)
	if !cached {
		identity, err := s.upsert(ctx, provider, subject, claims)
		if err != nil {
			return races.Actor{}, err
		}
		actorID = identity.ActorID
		if display == "" {
			display = identity.DisplayName
		}
		s.cache.Store(cacheKey, actorID)
	}
	if display == "" {
		display = actorID
	}
	return races.Actor{ID: actorID, Name: display, Staff: claims.HasRole(auth.RoleStaff)}, nil
}

// LookupActor resolves an actor id, typically an invite target.
func (s *Service) LookupActor(ctx context.Context, actorID string) (races.Actor, error) {
	actorID = normalize(actorID)
	if actorID == "" {
		return races.Actor{}, fmt.Errorf("%w: actor id is required", races.ErrInvalidRequest)
	}
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("actor_id = ?", actorID).
		Order("last_seen_at DESC").
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return races.Actor{}, fmt.Errorf("%w: actor %q", races.ErrNotFound, actorID)
	}
	if err != nil {
		return races.Actor{}, err
	}
	name := identity.DisplayName
	if name == "" {
		name = identity.ActorID
	}
	return races.Actor{ID: identity.ActorID, Name: name}, nil
}

func (s *Service) cachedActorID(key string) (string, bool) {
	value, ok := s.cache.Load(key)
	if !ok {
		return "", false
	}
	actorID, ok := value.(string)
	return actorID, ok
}

func (s *Service) upsert(ctx context.Context, provider, subject string, claims auth.SessionClaims) (Identity, error) {
	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.Where("provider = ? AND subject = ?", provider, subject).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			ActorID:     subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now().UTC(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return Identity{}, err
		}
		return identity, nil
	}
	if err != nil {
		return Identity{}, err
	}

	updates := map[string]any{"last_seen_at": s.now().UTC()}
	if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
		updates["email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
		updates["display_name"] = display
		identity.DisplayName = display
	}
	if err := db.Model(&Identity{}).
		Where("provider = ? AND subject = ?", provider, subject).
		Updates(updates).
		Error; err != nil {
		s.logger.Warn("actor identity refresh failed",
			zap.String("provider", provider),
			zap.String("subject", subject),
			zap.Error(err))
	}
	return identity, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if head, tail, found := strings.Cut(raw, ":"); found {
			if normalize(head) != "" && normalize(tail) != "" {
				provider = normalize(head)
				subject = normalize(tail)
			}
		} else {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}
	return provider, subject
}
