package worker

import (
	"context"
	"fmt"

	"atworker/internal/resolver"
	"atworker/pkg/domain"
)

const initKey = "initialize"

// ensureInitialized 保证解析器在路由前完成初始化。并发调用者共享同一次进行中的
// 初始化；失败时不置位，后续请求会重新发起
func (w *Instance) ensureInitialized(ctx context.Context) error {
	if w.initialized.Load() {
		return nil
	}
	// 共享任务不随首个调用者的取消而中止
	taskCtx := context.WithoutCancel(ctx)
	ch := w.initGroup.DoChan(initKey, func() (any, error) {
		if w.initialized.Load() {
			return nil, nil
		}
		return nil, w.initialize(taskCtx)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Instance) initialize(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialize panicked: %v", r)
		}
		if err != nil {
			w.sendEvent(domain.Event{Type: domain.EventInitFailed, Error: err.Error()})
			w.log.Err(err, "解析器初始化失败")
		}
	}()

	attempt := w.initAttempts.Add(1)
	w.log.Debug("开始初始化解析器", "attempt", attempt)
	if err := w.binding.Initialize(ctx); err != nil {
		return err
	}
	if li, ok := resolver.LogInitializerOf(w.binding); ok {
		w.initLog(li)
	}
	w.initialized.Store(true)
	w.sendEvent(domain.Event{Type: domain.EventInitialized})
	w.log.Info("解析器初始化完成", "attempt", attempt)
	return nil
}

// initLog 诊断钩子的失败只记录，不影响路由
func (w *Instance) initLog(li resolver.LogInitializer) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Warn("解析器诊断钩子崩溃", "panic", fmt.Sprint(r))
		}
	}()
	if err := li.InitLog(); err != nil {
		w.log.Warn("解析器诊断钩子失败", "error", err)
	}
}
