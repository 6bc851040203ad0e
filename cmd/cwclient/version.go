package main

import (
	"fmt"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/colonialwars/cwclient/pkg/protocol"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print the build metadata of this cwclient binary.`,
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(w, version)
				return
			}

			tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
			for _, row := range [][2]string{
				{"Version:", version},
				{"Commit:", commit},
				{"Built:", date},
				{"Subprotocol:", protocol.Subprotocol},
				{"Go version:", runtime.Version()},
				{"OS/Arch:", runtime.GOOS + "/" + runtime.GOARCH},
			} {
				fmt.Fprintf(tw, "  %s\t%s\n", row[0], row[1])
			}
			_ = tw.Flush()
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only the version")

	return cmd
}
