package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/dbheal/internal/api"
	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/env"
	"github.com/danielpatrickdp/dbheal/internal/rpc"
)

// #region serve
var (
	servePolicy  string
	serveNoHTTP  bool
	serveSampled bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the environment over gRPC and the read API over HTTP",
	Long: `Starts the gRPC environment and policy services and the HTTP read API.
Both shut down on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePolicy, "policy", "random", "policy answered by the gRPC policy service")
	serveCmd.Flags().BoolVar(&serveNoHTTP, "no-http", false, "do not start the HTTP API")
	serveCmd.Flags().BoolVar(&serveSampled, "sampled", true, "seed anomaly labels from the stream buffer")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	p, err := driver.ParsePolicy(servePolicy, cfg.Driver.Seed)
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	lis, err := net.Listen("tcp", cfg.Serve.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Serve.GRPCAddr, err)
	}

	var src env.RecordSource
	if serveSampled {
		src = s
	}
	envSvc := rpc.NewEnvironmentService(cfg.Env, src, cfg.Serve.MaxSessions, logger)
	grpcServer := rpc.NewServer(logger)
	rpc.RegisterEnvironmentServer(grpcServer, envSvc)
	rpc.RegisterPolicyServer(grpcServer, rpc.NewLocalPolicyServer(p))

	grpcErr := make(chan error, 1)
	go func() {
		logger.Info("grpc listening", "addr", lis.Addr().String())
		grpcErr <- grpcServer.Serve(lis)
	}()
	var httpErr chan error
	if !serveNoHTTP {
		httpErr = make(chan error, 1)
		go func() {
			httpErr <- api.NewServer(s, cfg.Stream.Rules, logger).Serve(ctx, cfg.Serve.HTTPAddr)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "sessions", envSvc.Sessions())
		grpcServer.GracefulStop()
		if httpErr == nil {
			return nil
		}
		return <-httpErr
	case err := <-grpcErr:
		return err
	case err := <-httpErr:
		grpcServer.Stop()
		return err
	}
}
// #endregion serve
