package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"atworker/internal/bootstrap"
	"atworker/internal/gateway"
	"atworker/internal/worker"
	"atworker/pkg/api"
)

func serveCmd(cfgPath *string) *cobra.Command {
	var addr string

	c := &cobra.Command{
		Use:   "serve",
		Short: "以 HTTP 网关方式承载工作者",
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer deps.close()
			cfg := deps.cfg
			if addr != "" {
				cfg.Gateway.Addr = addr
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			svc := api.NewService(cfg, worker.NopHost{}, deps.log.With("component", "service"))
			defer func() { _ = svc.Close() }()
			go deps.consumeEvents(ctx, svc)

			var upstream worker.Fetcher
			if cfg.Gateway.Upstream != "" {
				up, err := gateway.NewUpstream(cfg.Gateway.Upstream, time.Duration(cfg.Worker.ProcessTimeoutMS)*time.Millisecond)
				if err != nil {
					return err
				}
				upstream = up
			}

			g := gateway.New(gateway.Options{
				Addr:         cfg.Gateway.Addr,
				Bootstrap:    cfg.Gateway.Bootstrap,
				ReadyTimeout: time.Duration(cfg.Gateway.ReadyTimeoutMS) * time.Millisecond,
				Redirect: bootstrap.RedirectConfig{
					Homepage: cfg.Redirect.Homepage,
					Prefix:   cfg.Redirect.Prefix,
					Param:    cfg.Redirect.Param,
				},
				Scripts:        bootstrap.Scripts{Module: cfg.Scripts.Module, Classic: cfg.Scripts.Classic},
				ClassicMarkers: cfg.Capability.ClassicMarkers,
				Service:        svc,
				Upstream:       upstream,
				Metrics:        deps.metrics,
				Journal:        deps.journal,
				Logger:         deps.log.With("component", "gateway"),
			})
			return g.Run(ctx)
		},
	}

	c.Flags().StringVar(&addr, "addr", "", "监听地址，覆盖 gateway.addr")
	return c
}
