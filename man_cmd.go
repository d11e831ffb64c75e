package main

import (
	"fmt"

	mcobra "github.com/muesli/mango-cobra"
	"github.com/muesli/roff"
	"github.com/spf13/cobra"
)

var manCmd = &cobra.Command{
	Use:                   "man",
	Short:                 "Generates manpages",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Hidden:                true,
	Args:                  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		manPage, err := mcobra.NewManPage(1, rootCmd)
		if err != nil {
			return err
		}

		manPage = manPage.WithSection("Files", "Configuration is read from versecache.yml in the user config directory.\n"+
			"Audio is cached under the user cache directory unless cache.dir is set.")
		_, err = fmt.Fprintln(cmd.OutOrStdout(), manPage.Build(roff.NewDocument()))
		return err
	},
}
