package races

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	slugDigits   = "0123456789"
	slugAttempts = 8
)

var (
	defaultSlugAdjectives = []string{
		"agile", "bold", "brave", "clever", "crafty", "daring", "dizzy", "eager",
		"fancy", "fast", "gentle", "grumpy", "happy", "hasty", "jolly", "lucky",
		"mad", "mighty", "neat", "odd", "proud", "quick", "quiet", "rapid",
		"silly", "sleepy", "smart", "swift", "tricky", "wild", "witty", "zany",
	}
	defaultSlugNouns = []string{
		"arrow", "badge", "bomb", "boots", "bow", "cape", "crown", "dagger",
		"flute", "gauntlet", "hammer", "harp", "hookshot", "key", "lamp", "lantern",
		"link", "map", "mask", "mirror", "ocarina", "potion", "ring", "rod",
		"shield", "shovel", "staff", "sword", "tunic", "wallet", "wand", "whistle",
	}
)

// roomSlug returns "<adjective>-<noun>-<4 digits>". A category may supply its
// own word list, in which case two of its words are used.
func roomSlug(words []string) (string, error) {
	suffix, err := gonanoid.Generate(slugDigits, 4)
	if err != nil {
		return "", err
	}
	first, second := pickWords(words)
	return fmt.Sprintf("%s-%s-%s", first, second, suffix), nil
}

func pickWords(words []string) (string, string) {
	cleaned := make([]string, 0, len(words))
	for _, word := range words {
		word = strings.ToLower(strings.TrimSpace(word))
		if validSlug(word) {
			cleaned = append(cleaned, word)
		}
	}
	if len(cleaned) >= 2 {
		return cleaned[rand.IntN(len(cleaned))], cleaned[rand.IntN(len(cleaned))]
	}
	return defaultSlugAdjectives[rand.IntN(len(defaultSlugAdjectives))],
		defaultSlugNouns[rand.IntN(len(defaultSlugNouns))]
}

// insertRoom stores room under a fresh slug. The slug's unique index decides
// collisions, so a concurrent creator that took the same slug costs a retry.
func (s *Service) insertRoom(ctx context.Context, category CategoryInfo, room *Room, audit AuditLog) error {
	for attempt := 0; attempt < slugAttempts; attempt++ {
		slug, err := s.slugs(category.SlugWords)
		if err != nil {
			return err
		}
		room.ID = 0
		room.Slug = slug
		audit.NewValue = category.Slug + "/" + slug
		err = s.store.CreateRoom(ctx, room, audit)
		if err == nil {
			return nil
		}
		taken, lookupErr := s.store.SlugTaken(ctx, category.Slug, slug)
		if lookupErr != nil || !taken {
			return err
		}
	}
	return fmt.Errorf("%w: could not allocate a room slug", ErrInvariantViolation)
}
