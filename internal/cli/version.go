package cli

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	imagecaptioner "github.com/menta2k/image-captioner"
)

func NewCmdVersion() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
	return cmd
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "image-captioner %s (%s, %s/%s)\n", imagecaptioner.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
