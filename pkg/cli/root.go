// Package cli implements the fetchkit command line.
package cli

import (
	"context"
	"fetchkit/pkg/config"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the fetchkit command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "fetchkit",
		Short: "Download files through plugins and track their progress",
		Long: `fetchkit downloads files through plugins chosen by URL host. Plugins are
scripts, external commands, or built-in providers described by JSON manifests
in the plugin directory. Every download is recorded in a state file so that
interrupted work is reported after a restart.`,
		Version:       config.BuildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}}\nBuild time: %s\nGo version: %s\nPlatform: %s/%s\n",
		config.BuildTimestamp, goVersion(), runtime.GOOS, runtime.GOARCH))

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configDir, "config-dir", "", "Configuration directory (default $XDG_CONFIG_HOME/fetchkit)")
	flags.StringVar(&opts.pluginDir, "plugin-dir", "", "Plugin manifest directory")
	flags.StringVar(&opts.downloadDir, "download-dir", "", "Directory downloads are saved to")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(
		newGetCommand(opts),
		newWatchCommand(opts),
		newListCommand(opts),
		newExtractCommand(opts),
		newRegisterCommand(opts),
		newRemoveCommand(opts),
		newPluginsCommand(opts),
	)
	return root
}

func goVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return "unknown"
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
