package worker

import (
	"context"
	"fmt"

	"atworker/internal/broadcast"
	"atworker/pkg/domain"
)

// transition 仅当当前状态为 from 时切换到 to
func (w *Instance) transition(from, to domain.LifecycleState) error {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidTransition, from, to, w.state)
	}
	w.state = to
	return nil
}

func (w *Instance) setState(s domain.LifecycleState) {
	w.stateMu.Lock()
	w.state = s
	w.stateMu.Unlock()
}

// Install 安装并立即请求激活，不依赖解析器，因此不会因解析器不可用而失败
func (w *Instance) Install(ctx context.Context) error {
	if err := w.transition(domain.StateParsed, domain.StateInstalling); err != nil {
		return err
	}
	if err := w.host.SkipWaiting(ctx); err != nil {
		w.setState(domain.StateRedundant)
		w.log.Err(err, "工作者安装失败")
		return fmt.Errorf("install: %w", err)
	}
	w.setState(domain.StateInstalled)
	w.sendEvent(domain.Event{Type: domain.EventInstalled})
	w.log.Info("工作者已安装", "scope", w.scope)
	return nil
}

// Activate 接管作用域内的客户端，接管完成后才视为激活，并广播 ACTIVATED
func (w *Instance) Activate(ctx context.Context) error {
	if err := w.transition(domain.StateInstalled, domain.StateActivating); err != nil {
		return err
	}
	if err := w.host.Claim(ctx); err != nil {
		w.setState(domain.StateRedundant)
		w.log.Err(err, "接管客户端失败")
		return fmt.Errorf("activate: %w", err)
	}
	w.setState(domain.StateActivated)
	if w.onActive != nil {
		w.onActive(w)
	}
	w.sendEvent(domain.Event{Type: domain.EventActivated})
	w.log.Info("工作者已激活", "scope", w.scope)

	if w.channel != nil {
		if err := w.channel.Post(broadcast.Activated()); err != nil {
			w.log.Warn("发送激活广播失败", "channel", w.channel.Name(), "error", err)
		}
	}
	return nil
}

// Retire 停止服务后标记为冗余
func (w *Instance) Retire() {
	w.setState(domain.StateRedundant)
	w.log.Info("工作者已退役")
}
