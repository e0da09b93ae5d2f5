package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dimiro1/banner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"mcp-agent/internal/backend"
	"mcp-agent/internal/server"
)

const shutdownGrace = 10 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP façade",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port != "" {
				opts.cfg.Server.Port = port
			}
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "Override server.port")
	return cmd
}

func printBanner() {
	tpl := "{{ .Title \"MCP AGENT\" \"\" 0 }}\nVersion: " + backend.ClientVersion + "\n"
	banner.Init(os.Stdout, true, !color.NoColor, bytes.NewBufferString(tpl))
}

func runServe(parent context.Context, opts *options) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := opts.build(ctx)
	if err != nil {
		return err
	}
	cfg := opts.cfg
	if cfg.Server.Token == "" {
		opts.log.Warn("server.token not set; façade endpoints are open")
	}

	srv := server.New(server.Config{
		Port:           cfg.Server.Port,
		Token:          cfg.Server.Token,
		RequestTimeout: cfg.Server.RequestTimeout,
		CatalogTTL:     cfg.Catalog.CacheTTL,
	}, c.agent, c.correlator, opts.log)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner()
	errCh := make(chan error, 1)
	go func() {
		tls := cfg.Server.TLSCertFile != ""
		opts.log.Info("server_starting", "addr", httpSrv.Addr, "tls", tls, "backend", cfg.Backend.BaseURL)
		if tls {
			errCh <- httpSrv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
			return
		}
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	opts.log.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
