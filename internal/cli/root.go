// Package cli команды clinicsync-server и clinicsync-node на cobra.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// BuildInfo версия сборки, задается через -ldflags в main
type BuildInfo struct {
	Version   string
	BuildDate string
	GitCommit string
}

// RootOptions глобальные флаги обоих бинарников
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	Format     string // text, json; пусто - text для терминала, json иначе
}

// ValidFormats допустимые форматы вывода
var ValidFormats = []string{"text", "json"}

func newRoot(use, short string, build BuildInfo, opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Version:       build.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "" && !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}
	cmd.SetVersionTemplate(fmt.Sprintf("%s\nVersion:    %s\nBuild Date: %s\nGit Commit: %s\n",
		use, build.Version, build.BuildDate, build.GitCommit))

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "path to .env file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "", "output format (text|json), detected from the terminal by default")
	return cmd
}

// printer выбирает формат вывода команды
func (o *RootOptions) printer(cmd *cobra.Command) *printer {
	format := o.Format
	if format == "" {
		format = "json"
		if f, ok := cmd.OutOrStdout().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}
	return &printer{format: format, w: cmd.OutOrStdout()}
}

// signalContext отменяется по SIGINT/SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
