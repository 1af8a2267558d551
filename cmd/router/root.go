// Copyright 2025 Author(s) of MCP Any
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/localmcp/router/pkg/breaker"
	"github.com/localmcp/router/pkg/dispatch"
	"github.com/localmcp/router/pkg/enhancement"
	"github.com/localmcp/router/pkg/llmcache"
	"github.com/localmcp/router/pkg/llmclient"
	"github.com/localmcp/router/pkg/obslog"
	"github.com/localmcp/router/pkg/procmanager"
	"github.com/localmcp/router/pkg/registry"
	"github.com/localmcp/router/pkg/secrets"
	"github.com/localmcp/router/pkg/supervisor"
)

const envPrefix = "ROUTER"

// osFs is swapped out by tests so CLI commands can run against an in-memory
// filesystem.
var osFs afero.Fs = afero.NewOsFs()

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "router",
		Short:         "Local MCP router: supervise stdio MCP servers behind one HTTP endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("servers-config", "servers.json", "Path to the servers JSON document")
	rootCmd.PersistentFlags().String("listen-address", "127.0.0.1:8787", "Address the router serves (and CLI commands target)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlag("servers-config", rootCmd.PersistentFlags().Lookup("servers-config")))
	cobra.CheckErr(viper.BindPFlag("listen-address", rootCmd.PersistentFlags().Lookup("listen-address")))
	cobra.CheckErr(viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level")))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newServersCmd())
	rootCmd.AddCommand(newBreakersCmd())
	return rootCmd
}

func logLevel() slog.Level {
	switch viper.GetString("log-level") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openRegistry() (*registry.Registry, error) {
	reg := registry.New(osFs, viper.GetString("servers-config"))
	if err := reg.Load(); err != nil {
		return nil, err
	}
	return reg, nil
}

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the router daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	serveCmd.Flags().Duration("check-interval", 10*time.Second, "Liveness loop period")
	serveCmd.Flags().String("llm-base-url", "http://localhost:11434", "Base URL of the local LLM daemon")
	serveCmd.Flags().String("llm-model", "", "Override the default enhancement model")
	serveCmd.Flags().Int("cache-size", 1000, "Max entries in the enhancement cache")
	serveCmd.Flags().Duration("cache-ttl", time.Hour, "Default TTL for cached enhancements")
	cobra.CheckErr(viper.BindPFlag("check-interval", serveCmd.Flags().Lookup("check-interval")))
	cobra.CheckErr(viper.BindPFlag("llm-base-url", serveCmd.Flags().Lookup("llm-base-url")))
	cobra.CheckErr(viper.BindPFlag("llm-model", serveCmd.Flags().Lookup("llm-model")))
	cobra.CheckErr(viper.BindPFlag("cache-size", serveCmd.Flags().Lookup("cache-size")))
	cobra.CheckErr(viper.BindPFlag("cache-ttl", serveCmd.Flags().Lookup("cache-ttl")))
	return serveCmd
}

func runServe(ctx context.Context) error {
	logger := obslog.NewRedacting(logLevel())
	slog.SetDefault(logger)

	reg, err := openRegistry()
	if err != nil {
		return err
	}

	// Literal secrets come from the "secrets" settings key, which with
	// AutomaticEnv is ROUTER_SECRETS holding a JSON object of key/value
	// pairs; no settings file is read. The keyring-backed provider is an
	// extension point.
	creds := secrets.NewManager(secrets.NewStaticProvider(viper.GetStringMapString("secrets")), 5*time.Minute)

	procs := procmanager.New(reg, creds, logger)
	sup := supervisor.New(reg, procs, viper.GetDuration("check-interval"), logger)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())

	llmCfg := llmclient.DefaultConfig()
	llmCfg.BaseURL = viper.GetString("llm-base-url")
	llm := llmclient.New(llmCfg)
	cache := llmcache.New(viper.GetInt("cache-size"), viper.GetDuration("cache-ttl"))

	rules := map[string]enhancement.Rule{}
	if model := viper.GetString("llm-model"); model != "" {
		rule := enhancement.DefaultRule()
		rule.Model = model
		rules["default"] = rule
	}
	enh := enhancement.New(llm, cache, breakers.Get(enhancement.BreakerName), rules, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup.Start(ctx)
	enh.Initialize(ctx)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	dispatch.New(reg, sup, breakers, enh).Routes(engine)

	addr := viper.GetString("listen-address")
	srv := &http.Server{Addr: addr, Handler: engine}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("router listening", "address", addr)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			sup.Stop()
			enh.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	sup.Stop()
	enh.Close()
	return nil
}

func newServersCmd() *cobra.Command {
	serversCmd := &cobra.Command{
		Use:   "servers",
		Short: "Inspect and edit the server registry",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			for _, state := range reg.ListAll() {
				cmd.Printf("%s\t%s\t%s\n", state.Config.Name, state.Config.Transport, state.Config.Description)
			}
			return nil
		},
	}

	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a stdio server to the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			command, _ := cmd.Flags().GetString("command")
			cmdArgs, _ := cmd.Flags().GetStringSlice("args")
			envPairs, _ := cmd.Flags().GetStringSlice("env")
			autoStart, _ := cmd.Flags().GetBool("auto-start")
			restart, _ := cmd.Flags().GetBool("restart-on-failure")
			maxRestarts, _ := cmd.Flags().GetInt("max-restarts")
			description, _ := cmd.Flags().GetString("description")

			env := make(map[string]registry.EnvValue, len(envPairs))
			for _, pair := range envPairs {
				key, value, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("invalid --env %q, want KEY=VALUE", pair)
				}
				env[key] = registry.EnvValue{Literal: value}
			}

			cfg := registry.ServerConfig{
				Name:             args[0],
				Transport:        registry.TransportStdio,
				Command:          command,
				Args:             cmdArgs,
				Env:              env,
				AutoStart:        autoStart,
				RestartOnFailure: restart,
				MaxRestarts:      maxRestarts,
				Description:      description,
			}
			if err := reg.Add(cfg); err != nil {
				return err
			}
			cmd.Printf("added %s\n", args[0])
			return nil
		},
	}
	addCmd.Flags().String("command", "", "Executable to spawn")
	addCmd.Flags().StringSlice("args", nil, "Arguments for the executable")
	addCmd.Flags().StringSlice("env", nil, "KEY=VALUE environment entries (literals only; credential references are edited in the file)")
	addCmd.Flags().Bool("auto-start", false, "Start the server when the daemon starts")
	addCmd.Flags().Bool("restart-on-failure", true, "Restart the server when it dies")
	addCmd.Flags().Int("max-restarts", 3, "Consecutive automatic restarts before latching FAILED")
	addCmd.Flags().String("description", "", "Free-form description")
	cobra.CheckErr(addCmd.MarkFlagRequired("command"))

	removeCmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a server from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			if err := reg.Remove(args[0]); err != nil {
				return err
			}
			cmd.Printf("removed %s\n", args[0])
			return nil
		},
	}

	serversCmd.AddCommand(listCmd, addCmd, removeCmd)
	for _, verb := range []string{"start", "stop", "restart"} {
		serversCmd.AddCommand(newLifecycleCmd(verb))
	}
	return serversCmd
}

// newLifecycleCmd builds a start/stop/restart subcommand that targets a
// running daemon over its HTTP surface.
func newLifecycleCmd(verb string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a server on the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postToDaemon(cmd, fmt.Sprintf("/servers/%s/%s", args[0], verb))
		},
	}
}

func newBreakersCmd() *cobra.Command {
	breakersCmd := &cobra.Command{
		Use:   "breakers",
		Short: "Inspect and reset circuit breakers on the running daemon",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show all breaker stats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return getFromDaemon(cmd, "/breakers")
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset <name>",
		Short: "Reset one breaker to CLOSED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postToDaemon(cmd, "/breakers/"+args[0]+"/reset")
		},
	}

	breakersCmd.AddCommand(listCmd, resetCmd)
	return breakersCmd
}

func daemonURL(path string) string {
	return "http://" + viper.GetString("listen-address") + path
}

func postToDaemon(cmd *cobra.Command, path string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, daemonURL(path), nil)
	if err != nil {
		return err
	}
	return doDaemonRequest(cmd, req)
}

func getFromDaemon(cmd *cobra.Command, path string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, daemonURL(path), nil)
	if err != nil {
		return err
	}
	return doDaemonRequest(cmd, req)
}

func doDaemonRequest(cmd *cobra.Command, req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running at %s? %w", viper.GetString("listen-address"), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	body := strings.TrimSpace(string(raw))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, body)
	}
	cmd.Println(body)
	return nil
}
