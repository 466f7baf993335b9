// Package cli implements the image-captioner command tree.
package cli

import (
	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image-captioner [command] [flags]",
		Short: "image-captioner writes a caption file for every image in a folder.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(NewCmdRun())
	cmd.AddCommand(NewCmdPrompt())
	cmd.AddCommand(NewCmdVersion())
	return cmd
}
