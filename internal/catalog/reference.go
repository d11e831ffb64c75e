package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dgnsrekt/versecache/internal/ttypes"
)

// Reference is a parsed "Book Chapter[:Verse]" reference. Verse is 0 for
// a whole chapter.
type Reference struct {
	Book    string
	Chapter int
	Verse   int
}

// ParseReference parses references like "John 3:16", "1 John 4" or
// "Song of Songs 2:1".
func ParseReference(ref string) (Reference, error) {
	ref = strings.TrimSpace(ref)
	i := strings.LastIndexByte(ref, ' ')
	if i <= 0 {
		return Reference{}, fmt.Errorf("invalid reference %q: want \"Book Chapter[:Verse]\"", ref)
	}

	r := Reference{Book: strings.Join(strings.Fields(ref[:i]), " ")}
	loc := ref[i+1:]

	chapter, verse, hasVerse := strings.Cut(loc, ":")
	n, err := strconv.Atoi(chapter)
	if err != nil || n < 1 {
		return Reference{}, fmt.Errorf("invalid chapter in %q", ref)
	}
	r.Chapter = n

	if hasVerse {
		v, err := strconv.Atoi(verse)
		if err != nil || v < 1 {
			return Reference{}, fmt.Errorf("invalid verse in %q", ref)
		}
		r.Verse = v
	}
	return r, nil
}

// String formats the reference the way ParseReference reads it.
func (r Reference) String() string {
	if r.Verse > 0 {
		return fmt.Sprintf("%s %d:%d", r.Book, r.Chapter, r.Verse)
	}
	return fmt.Sprintf("%s %d", r.Book, r.Chapter)
}

// VerseIdentity returns the verse identity for the reference.
func (r Reference) VerseIdentity(voice string) (ttypes.AudioIdentity, error) {
	if r.Verse == 0 {
		return ttypes.AudioIdentity{}, fmt.Errorf("%s names a chapter, not a verse", r)
	}
	return ttypes.VerseIdentity(r.Book, r.Chapter, r.Verse, voice), nil
}

// CommentaryIdentity returns the commentary identity for the reference.
// A chapter reference names the chapter commentary.
func (r Reference) CommentaryIdentity(depth, voice string) ttypes.AudioIdentity {
	return ttypes.CommentaryIdentity(r.Book, r.Chapter, r.Verse, depth, voice)
}
