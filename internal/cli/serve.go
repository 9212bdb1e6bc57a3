package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the index synchronizer and purge reaper until interrupted",
		Long: `Run the background chores of a deployment: the synchronizer drains the
outbox into the search index and the reaper purges tombstoned entities.
Prometheus metrics are served on /metrics.`,
		Args: usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()
			if listen != "" {
				a.config.Metrics.Listen = listen
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&listen, "metrics-listen", "", "metrics listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	listener, err := net.Listen("tcp", a.config.Metrics.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "metrics listener", err)
	}
	a.log.Info("serving", zap.String("metrics", listener.Addr().String()))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.sync.Run(ctx) })
	group.Go(func() error { return a.reaper.Run(ctx) })
	group.Go(func() error {
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdown)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
