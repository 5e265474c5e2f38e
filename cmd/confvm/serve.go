package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/confvm/server"
)

// shutdownTimeout bounds how long in-flight calls may run after a signal.
const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the service over Connect and gRPC",
		Long: `Serve every service method over HTTP at /confvm.v1.ConfvmService/<Method>.
The listener speaks Connect, gRPC and gRPC-Web over HTTP/1.1 and
cleartext HTTP/2. --grpc-addr additionally starts a plain gRPC server.

Flags may also be set from the environment: CONFVM_ADDR,
CONFVM_GRPC_ADDR.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), v.GetString("addr"), v.GetString("grpc-addr"))
		},
	}
	cmd.Flags().String("addr", ":4567", "HTTP listen address")
	cmd.Flags().String("grpc-addr", "", "Plain gRPC listen address (disabled when empty)")

	v.SetEnvPrefix("CONFVM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range []string{"addr", "grpc-addr"} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func serve(ctx context.Context, addr, grpcAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var grpcLis net.Listener
	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return err
		}
		grpcLis = lis
	}

	srv := server.New(newService())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(addr) })
	if grpcLis != nil {
		g.Go(func() error { return srv.ServeGRPC(grpcLis) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	return g.Wait()
}

func newLSPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lsp",
		Short: "Run the language server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.NewLSP(newService()).Run()
		},
	}
}
