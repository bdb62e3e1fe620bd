package resolver

import (
	"fmt"
	"path/filepath"

	"github.com/dop251/goja"

	"atworker/pkg/domain"
)

// GlobalBindingName 经典脚本暴露解析器的全局对象名
const GlobalBindingName = "wasm_bindgen"

// LoadClassic 加载共享全局对象形式的解析器：脚本可用 importScripts 同步引入依赖，
// 最终在全局 wasm_bindgen 上挂载 resolve 等函数，wasm_bindgen 本身即初始化函数
func LoadClassic(path string, opts Options) (*ScriptBinding, error) {
	b := newScriptBinding(domain.VariantClassic, path, opts)
	base := filepath.Dir(path)

	_ = b.vm.Set("importScripts", func(call goja.FunctionCall) goja.Value {
		for _, arg := range call.Arguments {
			p := arg.String()
			if !filepath.IsAbs(p) {
				p = filepath.Join(base, filepath.FromSlash(p))
			}
			if err := b.runFile(p); err != nil {
				panic(b.vm.NewGoError(err))
			}
		}
		return goja.Undefined()
	})

	if err := b.runFile(path); err != nil {
		return nil, err
	}

	g := b.vm.Get(GlobalBindingName)
	if g == nil || goja.IsUndefined(g) || goja.IsNull(g) {
		return nil, fmt.Errorf("%w: %s", ErrNoExport, GlobalBindingName)
	}
	initFn, ok := goja.AssertFunction(g)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not callable", ErrNoExport, GlobalBindingName)
	}
	obj := g.ToObject(b.vm)
	b.initFn = initFn
	b.resolveFn = optionalFunc(obj, "resolve")
	b.isAtFn = optionalFunc(obj, "is_at")
	b.initLogFn = optionalFunc(obj, "init_wasm_log")

	if b.resolveFn == nil {
		return nil, fmt.Errorf("%w: %s.resolve", ErrNoExport, GlobalBindingName)
	}
	b.log.Debug("经典解析器脚本加载完成", "managedCheck", b.isAtFn != nil, "initLog", b.initLogFn != nil)
	return b, nil
}
