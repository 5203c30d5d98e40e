package cmd

import (
	"github.com/spf13/cobra"

	"courier/cmd/internal/app"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the owner feed",
		Long: `Run the HTTP API, the owner notification feed and the background
loops (fallback reconciliation, session pruning).

Examples:
  courier serve
  courier serve --addr 127.0.0.1:9090 --log-format pretty`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log := opts.load()
			if addr != "" {
				cfg.HTTPAddr = addr
			}

			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error("app.close.fail", "err", err)
				}
			}()
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address; overrides COURIER_HTTP_ADDR")
	return cmd
}
