package ttypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// CacheKey is the deterministic storage key of an AudioIdentity.
//
// Wire format: "<kind>://<book>/<chapter>/[<verse>/][<depth>/]<voice>".
// Changing it invalidates every persisted record.
type CacheKey string

// String returns the key as a plain string.
func (k CacheKey) String() string {
	return string(k)
}

const schemeSep = "://"

// Validate checks that the identity can be encoded injectively.
func (id AudioIdentity) Validate() error {
	if id.Kind != KindVerse && id.Kind != KindCommentary {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidIdentity, int(id.Kind))
	}
	if strings.TrimSpace(id.Book) == "" {
		return fmt.Errorf("%w: book is required", ErrInvalidIdentity)
	}
	if strings.TrimSpace(id.Voice) == "" {
		return fmt.Errorf("%w: voice is required", ErrInvalidIdentity)
	}
	if id.Chapter < 1 {
		return fmt.Errorf("%w: chapter must be positive, got %d", ErrInvalidIdentity, id.Chapter)
	}
	if id.Verse != nil && *id.Verse < 1 {
		return fmt.Errorf("%w: verse must be positive, got %d", ErrInvalidIdentity, *id.Verse)
	}

	switch id.Kind {
	case KindVerse:
		if id.Verse == nil {
			return fmt.Errorf("%w: verse audio requires a verse number", ErrInvalidIdentity)
		}
		if id.Depth != "" {
			return fmt.Errorf("%w: depth is only valid on commentary", ErrInvalidIdentity)
		}
	case KindCommentary:
		// An all-digit depth would read back as a verse segment.
		if id.Depth != "" && isDigits(id.Depth) {
			return fmt.Errorf("%w: depth %q must not be numeric", ErrInvalidIdentity, id.Depth)
		}
	}
	return nil
}

// Key returns the cache key of a valid identity. It panics on an invalid
// identity; use DeriveKey when the input is not trusted.
func (id AudioIdentity) Key() CacheKey {
	key, err := DeriveKey(id)
	if err != nil {
		panic(err)
	}
	return key
}

// DeriveKey computes the cache key of an identity.
func DeriveKey(id AudioIdentity) (CacheKey, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(id.Kind.String())
	b.WriteString(schemeSep)
	b.WriteString(url.PathEscape(id.Book))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(id.Chapter))
	b.WriteByte('/')
	if id.Verse != nil {
		b.WriteString(strconv.Itoa(*id.Verse))
		b.WriteByte('/')
	}
	if id.Depth != "" {
		b.WriteString(url.PathEscape(id.Depth))
		b.WriteByte('/')
	}
	b.WriteString(url.PathEscape(id.Voice))

	return CacheKey(b.String()), nil
}

// ParseKey reverses DeriveKey.
func ParseKey(key CacheKey) (AudioIdentity, error) {
	scheme, rest, ok := strings.Cut(string(key), schemeSep)
	if !ok {
		return AudioIdentity{}, fmt.Errorf("%w: key %q has no scheme", ErrInvalidIdentity, key)
	}
	kind, err := ParseKind(scheme)
	if err != nil {
		return AudioIdentity{}, err
	}

	parts := strings.Split(rest, "/")
	if len(parts) < 3 || len(parts) > 5 {
		return AudioIdentity{}, fmt.Errorf("%w: key %q has %d segments", ErrInvalidIdentity, key, len(parts))
	}

	seg := make([]string, len(parts))
	for i, p := range parts {
		if seg[i], err = url.PathUnescape(p); err != nil {
			return AudioIdentity{}, fmt.Errorf("%w: key %q: %v", ErrInvalidIdentity, key, err)
		}
	}

	id := AudioIdentity{Kind: kind, Book: seg[0], Voice: seg[len(seg)-1]}
	if id.Chapter, err = strconv.Atoi(seg[1]); err != nil {
		return AudioIdentity{}, fmt.Errorf("%w: key %q: bad chapter", ErrInvalidIdentity, key)
	}

	middle := seg[2 : len(seg)-1]
	if len(middle) > 0 && isDigits(parts[2]) {
		v, _ := strconv.Atoi(middle[0])
		id.Verse = IntPtr(v)
		middle = middle[1:]
	}
	switch len(middle) {
	case 0:
	case 1:
		id.Depth = middle[0]
	default:
		return AudioIdentity{}, fmt.Errorf("%w: key %q has too many segments", ErrInvalidIdentity, key)
	}

	// Round-trip to reject keys that are not in canonical form.
	canonical, err := DeriveKey(id)
	if err != nil {
		return AudioIdentity{}, err
	}
	if canonical != key {
		return AudioIdentity{}, fmt.Errorf("%w: key %q is not canonical", ErrInvalidIdentity, key)
	}
	return id, nil
}

// FileName returns a filesystem-safe file name for the key.
func FileName(key CacheKey) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:16]) + ".audio"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
