package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"atworker/internal/config"
	"atworker/internal/logger"
	"atworker/internal/metrics"
	"atworker/internal/storage"
	"atworker/pkg/api"
	"atworker/pkg/domain"
)

func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:          "atworker",
		Short:        "请求拦截工作者：按解析脚本接管作用域内的请求",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML 配置文件路径，可由 ATWORKER_* 环境变量覆盖")

	cmd.AddCommand(runCmd(&cfgPath), serveCmd(&cfgPath))
	return cmd
}

// runtimeDeps 两种运行模式共享的依赖
type runtimeDeps struct {
	cfg     *config.Config
	log     logger.Logger
	journal *storage.Journal
	metrics *metrics.Collector
	cleanup []func() error
}

func setup(cfgPath string) (*runtimeDeps, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	l, closeLog, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Writers:    cfg.Log.Writer,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	deps := &runtimeDeps{cfg: cfg, log: l, metrics: metrics.New()}
	deps.cleanup = append(deps.cleanup, closeLog)

	if cfg.Sqlite.Dsn != "" {
		j, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l.With("component", "journal"))
		if err != nil {
			deps.close()
			return nil, err
		}
		deps.journal = j
		deps.cleanup = append(deps.cleanup, j.Close)
	}
	l.Info("配置加载完成", "version", cfg.Version, "scope", cfg.Worker.Scope)
	return deps, nil
}

// consumeEvents 把工作者事件写入指标与日志库，直到 ctx 结束
func (d *runtimeDeps) consumeEvents(ctx context.Context, svc api.Service) {
	if d.journal != nil {
		d.journal.Drain(ctx, svc.Events(), d.metrics.Observe)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-svc.Events():
			d.metrics.Observe(evt)
			if evt.Type != domain.EventRouted {
				d.log.Debug("工作者事件", "type", string(evt.Type), "worker", string(evt.Worker))
			}
		}
	}
}

func (d *runtimeDeps) close() {
	for i := len(d.cleanup) - 1; i >= 0; i-- {
		_ = d.cleanup[i]()
	}
}
