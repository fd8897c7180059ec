package domain

import (
	"strings"

	"go.trai.ch/zerr"
)

// KeyDomain names the family a cache key belongs to.
type KeyDomain string

const (
	// DomainCount holds the engagement count of a subject.
	DomainCount KeyDomain = "engagement-count"
	// DomainFlag holds whether an actor engaged with a subject.
	DomainFlag KeyDomain = "engagement-flag"
	// DomainTotal holds content-level aggregates that include a subject's engagement.
	DomainTotal KeyDomain = "engagement-total"
	// DomainProfile holds actor-level aggregates such as totals shown on a profile.
	DomainProfile KeyDomain = "profile-total"
)

const (
	keySeparator = '|'
	keyEscape    = '\\'
	keyParts     = 4
)

// CacheKey identifies one cached query result.
// Every field takes part in equality, so distinct queries never share a key.
type CacheKey struct {
	Domain      KeyDomain
	SubjectType SubjectType
	SubjectID   string
	ActorID     string
}

// CountKey returns the key of the engagement count of subject.
func CountKey(subject Subject) CacheKey {
	return CacheKey{Domain: DomainCount, SubjectType: subject.Type, SubjectID: subject.ID}
}

// FlagKey returns the key of the engagement flag of actor on subject.
func FlagKey(subject Subject, actorID string) CacheKey {
	return CacheKey{Domain: DomainFlag, SubjectType: subject.Type, SubjectID: subject.ID, ActorID: actorID}
}

// TotalKey returns the key of the content aggregate that includes subject.
func TotalKey(subject Subject) CacheKey {
	return CacheKey{Domain: DomainTotal, SubjectType: subject.Type, SubjectID: subject.ID}
}

// ProfileKey returns the key of the profile aggregate of actor.
func ProfileKey(actorID string) CacheKey {
	return CacheKey{Domain: DomainProfile, ActorID: actorID}
}

// Subject returns the subject the key refers to.
func (k CacheKey) Subject() Subject {
	return Subject{Type: k.SubjectType, ID: k.SubjectID}
}

// String renders the key deterministically. ParseCacheKey inverts it.
func (k CacheKey) String() string {
	var b strings.Builder
	for i, part := range []string{string(k.Domain), string(k.SubjectType), k.SubjectID, k.ActorID} {
		if i > 0 {
			b.WriteByte(keySeparator)
		}
		for _, r := range part {
			if r == keySeparator || r == keyEscape {
				b.WriteByte(keyEscape)
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseCacheKey parses a string produced by CacheKey.String.
func ParseCacheKey(s string) (CacheKey, error) {
	parts := make([]string, 0, keyParts)
	var cur strings.Builder
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == keyEscape:
			escaped = true
		case r == keySeparator:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())

	if escaped || len(parts) != keyParts || parts[0] == "" {
		return CacheKey{}, zerr.With(zerr.Wrap(ErrInvalidCacheKey, "parse cache key"), "key", s)
	}

	return CacheKey{
		Domain:      KeyDomain(parts[0]),
		SubjectType: SubjectType(parts[1]),
		SubjectID:   parts[2],
		ActorID:     parts[3],
	}, nil
}

// KeyPattern selects cache keys. Empty fields match anything.
type KeyPattern struct {
	Domain      KeyDomain
	SubjectType SubjectType
	SubjectID   string
	ActorID     string
}

// PatternOf returns a pattern that matches exactly k.
func PatternOf(k CacheKey) KeyPattern {
	return KeyPattern(k)
}

// Match reports whether k is selected by the pattern.
func (p KeyPattern) Match(k CacheKey) bool {
	return (p.Domain == "" || p.Domain == k.Domain) &&
		(p.SubjectType == "" || p.SubjectType == k.SubjectType) &&
		(p.SubjectID == "" || p.SubjectID == k.SubjectID) &&
		(p.ActorID == "" || p.ActorID == k.ActorID)
}
