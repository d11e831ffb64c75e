package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dgnsrekt/versecache/internal/cache"
	"github.com/dustin/go-humanize"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"
)

var (
	filter    string
	olderThan time.Duration
	maxSizeMB int

	lsCmd = &cobra.Command{
		Use:     "ls",
		Short:   "List cached audio",
		Example: paragraph("versecache ls\nversecache ls --filter jn316"),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(func(s *session) error {
				listings, err := s.resolver.Listings()
				if err != nil {
					s.log.Warn("Some records could not be read", "err", err)
				}
				return printListings(cmd.OutOrStdout(), filterListings(listings, filter), time.Now())
			})
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage per backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(func(s *session) error {
				printSizes(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}

	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached audio unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(func(s *session) error {
				before := s.resolver.TotalSizeBytes()
				if err := s.resolver.ClearAll(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", keyword(humanize.Bytes(uint64(before)))) //nolint:gosec
				return nil
			})
		},
	}

	pruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Remove old audio and enforce the cache size cap",
		Long: paragraph(fmt.Sprintf("\n%s removes audio saved longer ago than --older-than, then evicts the oldest audio "+
			"until every backend is under --max-size. Both default to the configured values.", keyword("prune"))),
		Example: paragraph("versecache prune --older-than 168h\nversecache prune --max-size 100"),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			maxAge := cfg.Cache.MaxAge
			if cmd.Flags().Changed("older-than") {
				maxAge = olderThan
			}
			maxBytes := cfg.MaxSize()
			if cmd.Flags().Changed("max-size") {
				maxBytes = int64(maxSizeMB) << 20
			}

			return withSession(func(s *session) error {
				expired, err := s.resolver.Prune(maxAge)
				if err != nil {
					return err
				}
				evicted, err := s.resolver.EnforceLimit(maxBytes)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s expired and %s over the size cap\n",
					keyword(humanize.Comma(int64(expired))), keyword(humanize.Comma(int64(evicted))))
				return nil
			})
		},
	}
)

func init() {
	lsCmd.Flags().StringVarP(&filter, "filter", "f", "", "fuzzy filter on the cache key")
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 0, "remove audio saved longer ago than this")
	pruneCmd.Flags().IntVar(&maxSizeMB, "max-size", 0, "per-backend size cap in MB")
}

// filterListings keeps the listings whose key fuzzy-matches pattern, best
// match first.
func filterListings(listings []cache.Listing, pattern string) []cache.Listing {
	if pattern == "" {
		return listings
	}

	keys := make([]string, len(listings))
	for i, l := range listings {
		keys[i] = string(l.Record.Key)
	}

	matches := fuzzy.Find(pattern, keys)
	filtered := make([]cache.Listing, len(matches))
	for i, m := range matches {
		filtered[i] = listings[m.Index]
	}
	return filtered
}

func printListings(w io.Writer, listings []cache.Listing, now time.Time) error {
	if len(listings) == 0 {
		_, err := fmt.Fprintln(w, faint("No cached audio"))
		return err
	}

	width := len("KEY")
	for _, l := range listings {
		width = max(width, len(l.Record.Key))
	}

	fmt.Fprintln(w, header(fmt.Sprintf("%-*s  %9s  %-8s  %-14s  %s", width, "KEY", "SIZE", "ENCODING", "SAVED", "BACKENDS")))
	var total int64
	for _, l := range listings {
		rec := l.Record
		total += rec.SizeBytes
		fmt.Fprintf(w, "%-*s  %9s  %-8s  %-14s  %s\n",
			width, rec.Key,
			humanize.Bytes(uint64(rec.SizeBytes)), //nolint:gosec
			rec.Encoding,
			humanize.RelTime(rec.SavedAt(), now, "ago", "from now"),
			strings.Join(l.Backends, ","),
		)
	}
	_, err := fmt.Fprintln(w, faint(fmt.Sprintf("%d units, %s", len(listings), humanize.Bytes(uint64(total))))) //nolint:gosec
	return err
}

func printSizes(w io.Writer, s *session) {
	fmt.Fprintf(w, "%s %s\n", header("Runtime:"), s.runtime)
	fmt.Fprintf(w, "%s %s\n", header("Cache:"), s.cfg.Cache.Dir)

	for _, size := range s.resolver.Sizes() {
		line := fmt.Sprintf("  %-10s %9s  %s units", size.Name, humanize.Bytes(uint64(size.Bytes)), humanize.Comma(int64(size.Count))) //nolint:gosec
		if limit := s.cfg.MaxSize(); limit > 0 && size.Bytes > limit {
			line = failure(line + "  over cap")
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "%s %s\n", header("Total:"), humanize.Bytes(uint64(s.resolver.TotalSizeBytes()))) //nolint:gosec
}
