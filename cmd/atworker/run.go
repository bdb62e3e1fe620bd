package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"atworker/internal/bootstrap"
	"atworker/internal/cdp"
	"atworker/pkg/api"
	"atworker/pkg/domain"
)

func runCmd(cfgPath *string) *cobra.Command {
	var target string

	c := &cobra.Command{
		Use:   "run",
		Short: "附加到浏览器页面，注册工作者并在就绪后跳转",
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer deps.close()
			cfg := deps.cfg
			if target == "" {
				target = cfg.DevTools.Target
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			mgr := cdp.New(cdp.Config{
				DevToolsURL:      cfg.DevTools.URL,
				Scope:            cfg.Worker.Scope,
				Concurrency:      cfg.Worker.Concurrency,
				QueueCapacity:    cfg.Worker.QueueCapacity,
				ProcessTimeoutMS: cfg.Worker.ProcessTimeoutMS,
				Logger:           deps.log.With("component", "cdp"),
			})
			defer func() { _ = mgr.Detach() }()

			svc := api.NewService(cfg, mgr, deps.log.With("component", "service"))
			defer func() { _ = svc.Close() }()
			mgr.SetRouter(svc)
			go deps.consumeEvents(ctx, svc)

			if err := mgr.AttachTarget(ctx, domain.TargetID(target)); err != nil {
				return fmt.Errorf("attach: %w", err)
			}
			go mgr.RelayBroadcast(ctx, svc.Channel())

			ua, err := mgr.UserAgent(ctx)
			if err != nil {
				return err
			}
			loc, err := mgr.Location(ctx)
			if err != nil {
				return err
			}

			coord := bootstrap.NewCoordinator(bootstrap.CoordinatorConfig{
				Redirect: bootstrap.RedirectConfig{
					Homepage: cfg.Redirect.Homepage,
					Prefix:   cfg.Redirect.Prefix,
					Param:    cfg.Redirect.Param,
				},
				Scripts:   bootstrap.Scripts{Module: cfg.Scripts.Module, Classic: cfg.Scripts.Classic},
				Detector:  bootstrap.UserAgentDetector{UserAgent: ua, Markers: cfg.Capability.ClassicMarkers},
				Registrar: svc,
				Navigator: mgr,
				Channel:   svc.Channel(),
				Logger:    deps.log.With("component", "bootstrap"),
			})
			start := time.Now()
			if err := coord.Run(ctx, loc); err != nil {
				return err
			}
			deps.log.Info("引导完成，持续拦截中", "target", coord.Target(), "elapsed", time.Since(start))

			<-ctx.Done()
			return nil
		},
	}

	c.Flags().StringVarP(&target, "target", "t", "", "要附加的页面目标 ID，默认取第一个页面")
	return c
}
