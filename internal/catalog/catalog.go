package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/versecache/internal/ttypes"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

const versesFile = "verses.json"

// ErrNotFound is returned when the catalog has no text for an identity.
var ErrNotFound = errors.New("not in catalog")

// Catalog serves verse and commentary text. It is safe for concurrent use;
// Reload swaps the verse index atomically.
type Catalog struct {
	fs  afero.Fs
	dir string
	log *log.Logger

	mu     sync.RWMutex
	verses map[string]map[int][]string
}

// Open loads the catalog in dir. A missing verses file yields an empty
// catalog so commentary-only directories work.
func Open(fsys afero.Fs, dir string, logger *log.Logger) (*Catalog, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = log.Default()
	}

	c := &Catalog{
		fs:  fsys,
		dir: dir,
		log: logger.WithPrefix("catalog"),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the catalog directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// Reload rereads verses.json.
func (c *Catalog) Reload() error {
	data, err := afero.ReadFile(c.fs, filepath.Join(c.dir, versesFile))
	if errors.Is(err, fs.ErrNotExist) {
		c.mu.Lock()
		c.verses = map[string]map[int][]string{}
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read verses: %w", err)
	}

	var raw map[string]map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse %s: %w", versesFile, err)
	}

	verses := make(map[string]map[int][]string, len(raw))
	for book, chapters := range raw {
		verses[book] = make(map[int][]string, len(chapters))
		for ch, texts := range chapters {
			n, err := strconv.Atoi(ch)
			if err != nil || n < 1 {
				return fmt.Errorf("book %q: invalid chapter %q", book, ch)
			}
			verses[book][n] = texts
		}
	}

	c.mu.Lock()
	c.verses = verses
	c.mu.Unlock()

	c.log.Debug("Loaded verses", "books", len(verses))
	return nil
}

// Books returns the book names, sorted.
func (c *Catalog) Books() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	books := make([]string, 0, len(c.verses))
	for book := range c.verses {
		books = append(books, book)
	}
	sort.Strings(books)
	return books
}

// Chapters returns the chapter numbers of book, sorted.
func (c *Catalog) Chapters(book string) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	chapters := make([]int, 0, len(c.verses[book]))
	for ch := range c.verses[book] {
		chapters = append(chapters, ch)
	}
	sort.Ints(chapters)
	return chapters
}

// Verses returns the verse identities of a chapter in reading order.
func (c *Catalog) Verses(book string, chapter int, voice string) ([]ttypes.AudioIdentity, error) {
	c.mu.RLock()
	texts, ok := c.verses[book][chapter]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s %d", ErrNotFound, book, chapter)
	}

	ids := make([]ttypes.AudioIdentity, len(texts))
	for i := range texts {
		ids[i] = ttypes.VerseIdentity(book, chapter, i+1, voice)
	}
	return ids, nil
}

// Text returns the text to speak for id.
func (c *Catalog) Text(id ttypes.AudioIdentity) (string, error) {
	switch id.Kind {
	case ttypes.KindVerse:
		return c.verseText(id)
	case ttypes.KindCommentary:
		return c.commentaryText(id)
	default:
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
}

func (c *Catalog) verseText(id ttypes.AudioIdentity) (string, error) {
	c.mu.RLock()
	texts := c.verses[id.Book][id.Chapter]
	c.mu.RUnlock()

	v := id.VerseNumber()
	if v < 1 || v > len(texts) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return texts[v-1], nil
}

func (c *Catalog) commentaryText(id ttypes.AudioIdentity) (string, error) {
	path := c.CommentaryPath(id)
	src, err := afero.ReadFile(c.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read commentary: %w", err)
	}

	text := PlainText(src)
	if text == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNotFound, path)
	}
	return text, nil
}

// CommentaryPath returns the markdown file holding the commentary for id.
func (c *Catalog) CommentaryPath(id ttypes.AudioIdentity) string {
	name := strconv.Itoa(id.Chapter)
	if id.HasVerse() {
		name += "-" + strconv.Itoa(id.VerseNumber())
	}
	if id.Depth != "" {
		name += "." + url.PathEscape(id.Depth)
	}
	return filepath.Join(c.dir, "commentary", url.PathEscape(id.Book), name+".md")
}

// Watch reloads the verse index whenever verses.json changes, until ctx is
// done. It needs the OS filesystem.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("error watching %s: %w", c.dir, err)
	}
	c.log.Debug("Watching catalog", "dir", c.dir)

	target := filepath.Join(c.dir, versesFile)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			c.log.Debug("Catalog changed", "file", event.Name, "event", event.Op)
			if err := c.Reload(); err != nil {
				c.log.Warn("Catalog reload failed", "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Debug("Watcher error", "dir", c.dir, "err", err)
		}
	}
}
