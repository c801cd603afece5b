package cmd

import (
	"errors"

	"github.com/bnema/tether/internal/config"
	"github.com/spf13/cobra"
)

const skipWiringAnnotation = "tether.skip-wiring"

func Execute() error {
	return execute(newRootCmd())
}

// execute runs root and releases whatever the command wired, also when it
// failed: cobra skips post-run hooks after a RunE error.
func execute(root *cobra.Command, app *app) (err error) {
	defer func() {
		err = errors.Join(err, app.close())
	}()

	return root.Execute()
}

func newRootCmd() (*cobra.Command, *app) {
	v := config.New()
	app := &app{}
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "tether",
		Short:         "tether: resilient sessions, requests and realtime for one backend",
		Long:          "tether keeps a login session alive across token expiry, fails requests over between interchangeable API hosts, and follows the realtime presence channel with bounded reconnects.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipWiringAnnotation] != "" {
				return nil
			}
			if configFile != "" {
				v.SetConfigFile(configFile)
			}

			wired, err := wireApp(cmd.Context(), v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			*app = *wired
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default ~/.tether/config.toml)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("store", "", "Token store backend: toml, file, sqlite, pass, chain, memory")
	_ = v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
	_ = v.BindPFlag(config.KeyStoreBackend, flags.Lookup("store"))

	rootCmd.AddCommand(
		newVersionCmd(),
		newLoginCmd(app),
		newLogoutCmd(app),
		newStatusCmd(app),
		newRequestCmd(app),
		newWatchCmd(app),
	)

	return rootCmd, app
}
