// Command scanctl is the CLI entrypoint (C14) for running a batch, stopping
// it, or resetting its database, patterned on the teacher's cmd package:
// a root command carrying a persistent --config flag, subcommands doing the
// real work, signal-driven graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ccpaging/log4go"

	"github.com/arborcrawl/statescan"
	"github.com/arborcrawl/statescan/mongostore"
	"github.com/arborcrawl/statescan/status"
	"github.com/arborcrawl/statescan/targetapp"
)

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "scanctl",
		Short: "state-aware web application scanner",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to a config file to load")

	root.AddCommand(runCommand())
	root.AddCommand(resetdbCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *statescan.Config {
	cfg, err := statescan.LoadConfig(configPath)
	if err != nil {
		log4go.Error("scanctl: %v", err)
		os.Exit(1)
	}
	return cfg
}

func runCommand() *cobra.Command {
	var batchName, targetURL, image string
	var exposedPort string
	var withConsole bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "seed, crawl and cluster a single batch until convergence or SIGINT",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if batchName == "" {
				batchName = fmt.Sprintf("batch-%d", os.Getpid())
			}

			var container *targetapp.Container
			resolvedTarget := targetURL
			if image != "" {
				c, err := targetapp.Start(ctx, targetapp.Spec{
					Image:        image,
					ExposedPorts: []string{exposedPort},
				})
				if err != nil {
					log4go.Error("scanctl: %v", err)
					os.Exit(1)
				}
				defer func() { _ = c.Stop(context.Background()) }()
				container = c
				endpoint, err := container.Endpoint(ctx)
				if err != nil {
					log4go.Error("scanctl: %v", err)
					os.Exit(1)
				}
				resolvedTarget = "http://" + endpoint
			}

			if resolvedTarget == "" {
				log4go.Error("scanctl: one of --target-url or --image is required")
				os.Exit(1)
			}
			targetParsed, err := url.Parse(resolvedTarget)
			if err != nil {
				log4go.Error("scanctl: parsing target url %v: %v", resolvedTarget, err)
				os.Exit(1)
			}

			store, err := mongostore.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.DatabasePrefix, batchName)
			if err != nil {
				log4go.Error("scanctl: %v", err)
				os.Exit(1)
			}
			defer store.Close(context.Background())

			if err := statescan.SeedInitialState(ctx, store, targetParsed.Scheme, targetParsed.Host, "/", cfg.HTTP.ResetEndpointLabel); err != nil {
				log4go.Error("scanctl: %v", err)
				os.Exit(1)
			}

			batch, err := statescan.StartBatch(ctx, batchName, store, cfg)
			if err != nil {
				log4go.Error("scanctl: %v", err)
				os.Exit(1)
			}

			if withConsole {
				srv := status.New(batchController{batch}, func() statescan.Store { return store })
				go func() {
					log4go.Info("scanctl: status console listening on %v", cfg.Console.Addr)
					if err := listenAndServeStatus(cfg.Console.Addr, srv); err != nil {
						log4go.Error("scanctl: status console: %v", err)
					}
				}()
			}

			log4go.Info("scanctl: batch %v running against %v", batchName, resolvedTarget)
			if err := batch.Stop(); err != nil && err != context.Canceled {
				log4go.Error("scanctl: batch %v exited: %v", batchName, err)
			}
		},
	}
	cmd.Flags().StringVar(&batchName, "batch", "", "batch name (default: batch-<pid>)")
	cmd.Flags().StringVar(&targetURL, "target-url", "", "already-running target application base URL")
	cmd.Flags().StringVar(&image, "image", "", "image to bring up as the target application via testcontainers")
	cmd.Flags().StringVar(&exposedPort, "image-port", "80/tcp", "port to expose/wait on when --image is set")
	cmd.Flags().BoolVar(&withConsole, "console", true, "start the JSON status console")
	return cmd
}

func resetdbCommand() *cobra.Command {
	var batchName string
	cmd := &cobra.Command{
		Use:   "resetdb",
		Short: "drop every collection belonging to a batch",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			ctx := context.Background()
			if batchName == "" {
				log4go.Error("scanctl: --batch is required")
				os.Exit(1)
			}
			store, err := mongostore.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.DatabasePrefix, batchName)
			if err != nil {
				log4go.Error("scanctl: %v", err)
				os.Exit(1)
			}
			defer store.Close(ctx)
			if err := mongostore.DropBatch(ctx, store); err != nil {
				log4go.Error("scanctl: %v", err)
				os.Exit(1)
			}
			log4go.Info("scanctl: dropped batch %v", batchName)
		},
	}
	cmd.Flags().StringVar(&batchName, "batch", "", "batch name to reset")
	return cmd
}
