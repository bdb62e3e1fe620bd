package resolver

import (
	"fmt"

	"atworker/pkg/domain"
)

// LoadModule 加载具名导出形式的解析器：脚本向 exports（或 module.exports）
// 写入 default（初始化函数）、resolve、可选的 is_at 与 init_wasm_log
func LoadModule(path string, opts Options) (*ScriptBinding, error) {
	b := newScriptBinding(domain.VariantModule, path, opts)

	module := b.vm.NewObject()
	exports := b.vm.NewObject()
	_ = module.Set("exports", exports)
	_ = b.vm.Set("module", module)
	_ = b.vm.Set("exports", exports)

	if err := b.runFile(path); err != nil {
		return nil, err
	}

	named := module.Get("exports").ToObject(b.vm)
	b.initFn = optionalFunc(named, "default")
	b.resolveFn = optionalFunc(named, "resolve")
	b.isAtFn = optionalFunc(named, "is_at")
	b.initLogFn = optionalFunc(named, "init_wasm_log")

	if b.initFn == nil {
		return nil, fmt.Errorf("%w: default", ErrNoExport)
	}
	if b.resolveFn == nil {
		return nil, fmt.Errorf("%w: resolve", ErrNoExport)
	}
	b.log.Debug("解析器模块加载完成", "managedCheck", b.isAtFn != nil, "initLog", b.initLogFn != nil)
	return b, nil
}
