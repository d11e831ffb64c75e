package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/atotto/clipboard"
	"github.com/dgnsrekt/versecache/internal/catalog"
	"github.com/dgnsrekt/versecache/internal/ttypes"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	commentary bool
	depth      string
	outFile    string
	waitAhead  bool
	copyKey    bool

	keyCmd = &cobra.Command{
		Use:     "key REFERENCE",
		Short:   "Print the cache key of a verse or commentary",
		Example: paragraph("versecache key \"John 3:16\"\nversecache key \"John 3\" --commentary --depth deep"),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityFromArg(args[0])
			if err != nil {
				return err
			}
			key, err := ttypes.DeriveKey(id)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, key)
			fmt.Fprintln(w, faint(ttypes.FileName(key)))

			if copyKey {
				if err := clipboard.WriteAll(string(key)); err != nil {
					return fmt.Errorf("unable to copy key: %w", err)
				}
				fmt.Fprintln(w, faint("Copied to clipboard"))
			}
			return nil
		},
	}

	playCmd = &cobra.Command{
		Use:   "play REFERENCE",
		Short: "Load a verse, fetching it if needed, and prefetch the verses after it",
		Long: paragraph(fmt.Sprintf("\n%s resolves the audio for a verse from memory, the cache or the generation service, "+
			"then prefetches the next verses of the chapter in the background.", keyword("play"))),
		Example: paragraph("versecache play \"John 3:16\"\nversecache play \"John 3:16\" --out john-3-16.mp3"),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session) error {
				return play(cmd, s, args[0])
			})
		},
	}

	prefetchCmd = &cobra.Command{
		Use:     "prefetch REFERENCE",
		Short:   "Fetch and cache every verse of a chapter",
		Example: paragraph("versecache prefetch \"John 3\""),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session) error {
				return prefetch(cmd, s, args[0])
			})
		},
	}
)

func init() {
	keyCmd.Flags().BoolVarP(&commentary, "commentary", "c", false, "use the commentary instead of the verse")
	keyCmd.Flags().StringVarP(&depth, "depth", "d", "", "commentary depth tier")
	keyCmd.Flags().BoolVar(&copyKey, "copy", false, "copy the key to the clipboard")

	playCmd.Flags().BoolVarP(&commentary, "commentary", "c", false, "play the commentary instead of the verse")
	playCmd.Flags().StringVarP(&depth, "depth", "d", "", "commentary depth tier")
	playCmd.Flags().StringVarP(&outFile, "out", "o", "", "write the audio to a file")
	playCmd.Flags().BoolVarP(&waitAhead, "wait", "w", true, "wait for prefetches to finish before exiting")
}

// identityFromArg builds the identity named by a reference argument and the
// commentary flags.
func identityFromArg(arg string) (ttypes.AudioIdentity, error) {
	ref, err := catalog.ParseReference(arg)
	if err != nil {
		return ttypes.AudioIdentity{}, err
	}
	if commentary {
		return ref.CommentaryIdentity(depth, cfg.Synth.Voice), nil
	}
	if depth != "" {
		return ttypes.AudioIdentity{}, fmt.Errorf("--depth needs --commentary")
	}
	return ref.VerseIdentity(cfg.Synth.Voice)
}

func play(cmd *cobra.Command, s *session, arg string) error {
	ctx := cmd.Context()
	id, err := identityFromArg(arg)
	if err != nil {
		return err
	}

	ctrl, err := s.controller(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := ctrl.Load(ctx, id)
	if err != nil {
		return err
	}
	data, err := res.Handle.Bytes()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %s from %s in %s\n",
		keyword(string(res.Key)),
		humanize.Bytes(uint64(len(data))),
		res.Source,
		time.Since(start).Round(time.Millisecond),
	)

	if outFile != "" {
		if err := os.WriteFile(outFile, data, 0o644); err != nil { //nolint:gosec
			return fmt.Errorf("unable to write audio: %w", err)
		}
	}

	if commentary || cfg.Prefetch.Ahead == 0 {
		return nil
	}

	ids, err := s.catalog.Verses(id.Book, id.Chapter, id.Voice)
	if err != nil {
		s.log.Debug("Nothing to prefetch", "err", err)
		return nil
	}
	queued := ctrl.PreloadAhead(id.VerseNumber(), ids, cfg.Prefetch.Ahead)
	if queued == 0 {
		return nil
	}
	fmt.Fprintln(w, faint(fmt.Sprintf("Prefetching %d verses ahead", queued)))

	if !waitAhead {
		return nil
	}
	return waitPrefetch(ctx, s)
}

func prefetch(cmd *cobra.Command, s *session, arg string) error {
	ctx := cmd.Context()
	ref, err := catalog.ParseReference(arg)
	if err != nil {
		return err
	}

	ctrl, err := s.controller(ctx)
	if err != nil {
		return err
	}

	ids, err := s.catalog.Verses(ref.Book, ref.Chapter, cfg.Synth.Voice)
	if err != nil {
		return err
	}

	start := max(ref.Verse-1, 0)
	if start >= len(ids) {
		return fmt.Errorf("%s has only %d verses", ref.Book, len(ids))
	}
	queued := ctrl.PreloadAhead(start, ids, len(ids))

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Queued %d of %d verses\n", queued, len(ids)-start)

	if err := waitPrefetch(ctx, s); err != nil {
		return err
	}

	st := ctrl.Stats().Scheduler
	fmt.Fprintf(w, "%s fetched, %s failed\n", keyword(humanize.Comma(st.Completed)), humanize.Comma(st.Failed))
	if st.Failed > 0 {
		return fmt.Errorf("%d verses could not be fetched", st.Failed)
	}
	return nil
}

// waitPrefetch blocks until the prefetch queue is idle or ctx is done.
func waitPrefetch(ctx context.Context, s *session) error {
	if err := s.ctrl.Wait(ctx); err != nil {
		return fmt.Errorf("prefetch interrupted: %w", err)
	}
	return nil
}
