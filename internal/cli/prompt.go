package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/menta2k/image-captioner/pkg/prompt"
)

// NewCmdPrompt manages the prompt remembered between runs
func NewCmdPrompt() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Show or change the saved prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newCmdPromptShow())
	cmd.AddCommand(newCmdPromptSet())
	return cmd
}

type PromptOptions struct {
	GlobalOptions
}

func (o *PromptOptions) store() prompt.Store {
	path := o.Config().PromptFile
	if path == "" {
		path = prompt.DefaultPath()
	}
	return prompt.NewFileStore(path)
}

func newCmdPromptShow() *cobra.Command {
	o := &PromptOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the saved prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), o.store().Load())
			return nil
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func newCmdPromptSet() *cobra.Command {
	o := &PromptOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "set TEXT",
		Short: "Replace the saved prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return fmt.Errorf("prompt cannot be empty")
			}
			if err := o.store().Save(text); err != nil {
				return fmt.Errorf("saving prompt: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "prompt saved")
			return nil
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}
