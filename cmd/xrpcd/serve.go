package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xrpc"
)

var serveTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume and dispatch RPC requests",
	Long: `Serves consumer.topic within consumer.group until interrupted. The built-in
Echo handler is registered so a processors entry such as "echo: Echo" makes
echo.log and echo.fail callable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := demoRegistry()
		if err != nil {
			return err
		}
		cfg, node, lg, err := loadNode(reg, xrpc.TimeoutMiddleware(serveTimeout))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sub, err := node.Serve(ctx, cfg.Consumer.Topic, cfg.Consumer.Group)
		if err != nil {
			_ = node.Close(context.Background())
			return err
		}
		topic := cfg.Consumer.Topic
		if topic == "" {
			topic = node.App()
		}
		lg.Info().Str("topic", topic).Str("group", cfg.Consumer.Group).Msg("serving")

		<-ctx.Done()
		lg.Info().Msg("shutting down")

		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(sub.Close(), node.Close(shutdown))
	},
}

func init() {
	serveCmd.Flags().DurationVar(&serveTimeout, "handler-timeout", 0, "cancel handlers running longer than this (0 disables)")
	rootCmd.AddCommand(serveCmd)
}

// echo is the handler served by "xrpcd serve".
type echo struct{}

func (echo) Log(ctx context.Context, args xrpc.Args) error {
	env, _ := xrpc.EnvelopeFromContext(ctx)
	xrpc.LoggerFromContext(ctx).Info().
		Str("request_id", env.RequestID).
		Str("reply_to", env.ReplyTo).
		Interface("attributes", args).
		Msg("echo")
	return nil
}

func (echo) Fail(_ context.Context, args xrpc.Args) error {
	reason, err := args.String(0)
	if err != nil {
		reason = "requested failure"
	}
	return fmt.Errorf("echo: %s", reason)
}

func demoRegistry() (*xrpc.Registry, error) {
	reg := xrpc.NewRegistry()
	err := xrpc.RegisterInstance(reg, "Echo", func() echo { return echo{} }, map[string]func(echo, context.Context, xrpc.Args) error{
		"log":  echo.Log,
		"fail": echo.Fail,
	})
	return reg, err
}
