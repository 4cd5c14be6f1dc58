package cli

import (
	"fetchkit/pkg/display"
	"fetchkit/pkg/plugin"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPluginsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plugins",
		Aliases: []string{"plugin"},
		Short:   "Manage download plugins",
	}
	cmd.AddCommand(
		newPluginsListCommand(opts),
		newPluginsInstallCommand(opts),
		newPluginsRemoveCommand(opts),
	)
	return cmd
}

func newPluginsListCommand(opts *globalOptions) *cobra.Command {
	var (
		function string
		idsOnly  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(opts, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer app.Close()

			if idsOnly {
				for _, id := range app.Registry.IDs() {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}

			manifests := app.Registry.All()
			if function != "" {
				manifests = app.Registry.ByFunction(plugin.ParseFunction(function))
			}
			if len(manifests) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No plugins in %s\n", app.Config.GetPluginDir())
				return nil
			}

			t := &display.Table{Header: []string{"ID", "VERSION", "TYPE", "FUNCTION", "ACTIONS", "HOSTS"}}
			for _, m := range manifests {
				hosts := strings.Join(m.SupportedHosts, ",")
				if hosts == "" {
					hosts = "-"
				}
				t.Rows = append(t.Rows, []string{
					m.ID,
					m.Version,
					string(m.Type),
					m.Function.String(),
					strings.Join(m.SupportedActions, ","),
					hosts,
				})
			}
			display.NewWriterDisplay(cmd.OutOrStdout()).RenderTable(t)
			return nil
		},
	}
	cmd.Flags().StringVar(&function, "function", "", "Only plugins with this plugin_function")
	cmd.Flags().BoolVar(&idsOnly, "ids", false, "Print plugin ids only")
	return cmd
}

func newPluginsInstallCommand(opts *globalOptions) *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "install <manifest>",
		Short: "Install a plugin from a manifest path or URL",
		Long: `Install a plugin from a manifest path or URL. When the manifest declares a
download_url, that artifact is fetched once into the cache and unpacked into
the plugin directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(opts, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer app.Close()

			m, err := app.Installer.Install(cmd.Context(), args[0], replace)
			if err != nil {
				return err
			}
			theme := display.DefaultTheme()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n", theme.IconPlugin, theme.Styled(theme.Green, "Installed"), theme.Styled(theme.Bold, m.ID), m.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace an installed plugin with the same id")
	return cmd
}

func newPluginsRemoveCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Unregister a plugin and delete its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(opts, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer app.Close()

			m, err := app.Installer.Remove(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", m.ID)
			return nil
		},
	}
}
