package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/versecache/internal/cache"
	"github.com/dgnsrekt/versecache/internal/ttypes"
)

func testListings() []cache.Listing {
	saved := time.UnixMilli(1700000000000)
	var listings []cache.Listing
	for _, id := range []ttypes.AudioIdentity{
		ttypes.VerseIdentity("John", 3, 16, "v1"),
		ttypes.VerseIdentity("Ruth", 1, 16, "v1"),
		ttypes.CommentaryIdentity("John", 3, 0, "deep", "v1"),
	} {
		rec := ttypes.NewCacheRecord(id.Key(), id, "", 2048, saved)
		rec.Encoding = ttypes.EncodingRaw
		listings = append(listings, cache.Listing{Record: rec, Backends: []string{cache.DeviceStoreName, cache.ByteStoreName}})
	}
	return listings
}

func TestFilterListings(t *testing.T) {
	listings := testListings()

	if got := filterListings(listings, ""); len(got) != len(listings) {
		t.Errorf("Empty filter kept %d of %d", len(got), len(listings))
	}

	got := filterListings(listings, "ruth")
	if len(got) != 1 || got[0].Record.Book != "Ruth" {
		t.Errorf("Filter ruth = %+v", got)
	}

	got = filterListings(listings, "comm")
	if len(got) != 1 || got[0].Record.Kind != ttypes.KindCommentary {
		t.Errorf("Filter comm = %+v", got)
	}

	if got := filterListings(listings, "zzz"); len(got) != 0 {
		t.Errorf("Filter zzz kept %d", len(got))
	}
}

func TestPrintListings(t *testing.T) {
	var buf bytes.Buffer
	now := time.UnixMilli(1700000000000).Add(2 * time.Hour)
	if err := printListings(&buf, testListings(), now); err != nil {
		t.Fatalf("printListings failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"verse://John/3/16/v1", "2.0 kB", "2 hours ago", "device,bytestore", "3 units, 6.1 kB"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := printListings(&buf, nil, now); err != nil {
		t.Fatalf("printListings failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No cached audio") {
		t.Errorf("Unexpected empty output %q", buf.String())
	}
}

func TestIdentityFromArg(t *testing.T) {
	cfg.Synth.Voice = "v1"
	t.Cleanup(func() { commentary, depth = false, "" })

	id, err := identityFromArg("John 3:16")
	if err != nil || id.Key() != "verse://John/3/16/v1" {
		t.Errorf("identityFromArg = %s, %v", id.Key(), err)
	}

	if _, err := identityFromArg("John 3"); err == nil {
		t.Error("Expected error for chapter without --commentary")
	}

	depth = "deep"
	if _, err := identityFromArg("John 3:16"); err == nil {
		t.Error("Expected error for --depth without --commentary")
	}

	commentary = true
	id, err = identityFromArg("John 3")
	if err != nil || id.Kind != ttypes.KindCommentary || id.Depth != "deep" {
		t.Errorf("identityFromArg = %s, %v", id, err)
	}
}

func TestPlayAndList(t *testing.T) {
	root := t.TempDir()
	catalogDir := filepath.Join(root, "catalog")
	if err := os.MkdirAll(catalogDir, 0o755); err != nil {
		t.Fatal(err)
	}
	verses := `{"John": {"3": ["one", "two", "three", "four"]}}`
	if err := os.WriteFile(filepath.Join(catalogDir, "verses.json"), []byte(verses), 0o644); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(append(args,
			"--cache-dir", filepath.Join(root, "cache"),
			"--catalog", catalogDir,
			"--runtime", "device",
			"--voice", "v1",
			"--endpoint", "",
			"--log-level", "error",
		))
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("%v failed: %v\n%s", args, err, out.String())
		}
		return out.String()
	}

	out := run("play", "John 3:1")
	if !strings.Contains(out, "verse://John/3/1/v1") || !strings.Contains(out, "from remote") {
		t.Errorf("Unexpected play output:\n%s", out)
	}
	if !strings.Contains(out, "Prefetching 3 verses ahead") {
		t.Errorf("Expected prefetch of the rest of the chapter:\n%s", out)
	}

	out = run("play", "John 3:2")
	if !strings.Contains(out, "from "+cache.DeviceStoreName) {
		t.Errorf("Prefetched verse not served from the device store:\n%s", out)
	}

	out = run("ls", "--filter", "john")
	if !strings.Contains(out, "4 units") {
		t.Errorf("Unexpected ls output:\n%s", out)
	}

	out = run("clear")
	if !strings.Contains(out, "Cleared") {
		t.Errorf("Unexpected clear output:\n%s", out)
	}
	out = run("ls")
	if !strings.Contains(out, "No cached audio") {
		t.Errorf("Cache not cleared:\n%s", out)
	}
}
