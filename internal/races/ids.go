package races

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	errInvalidCategorySlug = errors.New("category slug is invalid")
	errInvalidRoomSlug     = errors.New("room slug is invalid")
)

const maxSlugLength = 128

// RoomRef addresses a room by its category slug and room slug.
type RoomRef struct {
	category string
	slug     string
}

// NewRoomRef validates both slugs.
func NewRoomRef(category, slug string) (RoomRef, error) {
	category = strings.TrimSpace(category)
	slug = strings.TrimSpace(slug)
	if !validSlug(category) {
		return RoomRef{}, fmt.Errorf("%w: %w", ErrInvalidRequest, errInvalidCategorySlug)
	}
	if !validSlug(slug) {
		return RoomRef{}, fmt.Errorf("%w: %w", ErrInvalidRequest, errInvalidRoomSlug)
	}
	return RoomRef{category: category, slug: slug}, nil
}

func (r RoomRef) Category() string {
	return r.category
}

func (r RoomRef) Slug() string {
	return r.slug
}

// String returns the key used to address the room feed.
func (r RoomRef) String() string {
	return r.category + "/" + r.slug
}

func validSlug(value string) bool {
	if value == "" || len(value) > maxSlugLength {
		return false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// IDProvider issues audit-log identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
