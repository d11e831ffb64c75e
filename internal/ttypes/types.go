// Package ttypes contains the shared value types of the audio cache: the
// identity of a playable audio unit, its cache key and the persisted record
// describing a stored unit. It has no dependencies on the other internal
// packages so that cache, queue, synth and narration can all import it.
package ttypes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidIdentity is returned when an AudioIdentity cannot be encoded
// into a cache key without losing injectivity.
var ErrInvalidIdentity = errors.New("invalid audio identity")

// Kind distinguishes verse readings from commentary.
type Kind int

const (
	// KindVerse is the spoken text of a single verse.
	KindVerse Kind = iota

	// KindCommentary is spoken commentary on a chapter or a verse.
	KindCommentary
)

// String returns the string representation of the kind. It is also the
// scheme of the cache key.
func (k Kind) String() string {
	switch k {
	case KindVerse:
		return "verse"
	case KindCommentary:
		return "commentary"
	default:
		return "unknown"
	}
}

// ParseKind parses the string form of a kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "verse":
		return KindVerse, nil
	case "commentary":
		return KindCommentary, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidIdentity, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k != KindVerse && k != KindCommentary {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidIdentity, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// AudioIdentity describes exactly one playable audio unit.
//
// Verse is nil for chapter-level commentary. A chapter commentary and a
// per-verse commentary are different identities even when book, chapter and
// voice match. Depth is the commentary detail tier and is only valid on
// commentary.
type AudioIdentity struct {
	Book    string
	Chapter int
	Verse   *int
	Kind    Kind
	Voice   string
	Depth   string
}

// VerseIdentity returns the identity of a verse reading.
func VerseIdentity(book string, chapter, verse int, voice string) AudioIdentity {
	return AudioIdentity{
		Book:    book,
		Chapter: chapter,
		Verse:   IntPtr(verse),
		Kind:    KindVerse,
		Voice:   voice,
	}
}

// CommentaryIdentity returns the identity of a commentary. Pass verse <= 0
// for chapter-level commentary.
func CommentaryIdentity(book string, chapter, verse int, depth, voice string) AudioIdentity {
	id := AudioIdentity{
		Book:    book,
		Chapter: chapter,
		Kind:    KindCommentary,
		Voice:   voice,
		Depth:   depth,
	}
	if verse > 0 {
		id.Verse = IntPtr(verse)
	}
	return id
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// HasVerse reports whether the identity targets a single verse.
func (id AudioIdentity) HasVerse() bool {
	return id.Verse != nil
}

// VerseNumber returns the verse number, or 0 when absent.
func (id AudioIdentity) VerseNumber() int {
	if id.Verse == nil {
		return 0
	}
	return *id.Verse
}

// Equal reports whether two identities describe the same audio unit.
func (id AudioIdentity) Equal(other AudioIdentity) bool {
	if id.HasVerse() != other.HasVerse() {
		return false
	}
	if id.HasVerse() && *id.Verse != *other.Verse {
		return false
	}
	return id.Book == other.Book &&
		id.Chapter == other.Chapter &&
		id.Kind == other.Kind &&
		id.Voice == other.Voice &&
		id.Depth == other.Depth
}

// String returns a human readable reference such as "John 3:16 (verse, v1)".
func (id AudioIdentity) String() string {
	ref := fmt.Sprintf("%s %d", id.Book, id.Chapter)
	if id.HasVerse() {
		ref = fmt.Sprintf("%s:%d", ref, *id.Verse)
	}
	if id.Depth != "" {
		return fmt.Sprintf("%s (%s/%s, %s)", ref, id.Kind, id.Depth, id.Voice)
	}
	return fmt.Sprintf("%s (%s, %s)", ref, id.Kind, id.Voice)
}

// Encoding names how a payload is stored on disk.
type Encoding string

const (
	// EncodingRaw stores the bytes unchanged.
	EncodingRaw Encoding = "raw"

	// EncodingBase64 stores the bytes as standard base64 text.
	EncodingBase64 Encoding = "base64"

	// EncodingZstd stores the bytes zstd-compressed.
	EncodingZstd Encoding = "zstd"
)

// ParseEncoding parses a payload encoding name. The empty string maps to raw.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingRaw:
		return EncodingRaw, nil
	case EncodingBase64:
		return EncodingBase64, nil
	case EncodingZstd:
		return EncodingZstd, nil
	default:
		return "", fmt.Errorf("unknown payload encoding %q", s)
	}
}

// CacheRecord is the persisted metadata of one stored audio unit. The
// identity fields are denormalized so records can be enumerated and cleaned
// up without parsing keys.
type CacheRecord struct {
	Key                CacheKey `json:"key"`
	Kind               Kind     `json:"kind"`
	Book               string   `json:"book"`
	Chapter            int      `json:"chapter"`
	Verse              *int     `json:"verse,omitempty"`
	Depth              string   `json:"depth,omitempty"`
	Voice              string   `json:"voice"`
	StoragePath        string   `json:"storagePath"`
	SizeBytes          int64    `json:"sizeBytes"`
	SavedAtEpochMillis int64    `json:"savedAtEpochMillis"`
	Encoding           Encoding `json:"encoding,omitempty"`
}

// NewCacheRecord builds a record for identity stored at path.
func NewCacheRecord(key CacheKey, id AudioIdentity, path string, size int64, savedAt time.Time) CacheRecord {
	rec := CacheRecord{
		Key:                key,
		Kind:               id.Kind,
		Book:               id.Book,
		Chapter:            id.Chapter,
		Depth:              id.Depth,
		Voice:              id.Voice,
		StoragePath:        path,
		SizeBytes:          size,
		SavedAtEpochMillis: savedAt.UnixMilli(),
	}
	if id.Verse != nil {
		rec.Verse = IntPtr(*id.Verse)
	}
	return rec
}

// Identity rebuilds the identity stored in the record.
func (r CacheRecord) Identity() AudioIdentity {
	id := AudioIdentity{
		Book:    r.Book,
		Chapter: r.Chapter,
		Kind:    r.Kind,
		Voice:   r.Voice,
		Depth:   r.Depth,
	}
	if r.Verse != nil {
		id.Verse = IntPtr(*r.Verse)
	}
	return id
}

// SavedAt returns the save time of the record.
func (r CacheRecord) SavedAt() time.Time {
	return time.UnixMilli(r.SavedAtEpochMillis)
}
