package bootstrap

import (
	"net/url"
	"path"
	"strings"
	"unicode"
)

// RedirectConfig 跳转目标配置
type RedirectConfig struct {
	// Homepage 默认主页路径
	Homepage string
	// Prefix 受管路径前缀，如 /at/
	Prefix string
	// Param 覆盖目标的查询参数名
	Param string
}

// ResolveTarget 计算跳转目标，优先级：查询参数覆盖 > 当前路径 > 默认主页。
// 结果只可能是受管前缀下的路径或默认主页
func ResolveTarget(cfg RedirectConfig, loc *url.URL) string {
	if loc == nil {
		return cfg.Homepage
	}
	if cfg.Param != "" {
		if v := loc.Query().Get(cfg.Param); v != "" && underPrefix(v, cfg.Prefix) {
			return v
		}
	}
	if p := loc.Path; p != "" && p != "/" && underPrefix(p, cfg.Prefix) {
		return p
	}
	return cfg.Homepage
}

// underPrefix 规范化后仍位于前缀下才接受，拒绝 /at/../ 之类的逃逸。
// 浏览器把 http(s) 路径中的反斜杠当作斜杠，含反斜杠或控制字符的路径一律拒绝
func underPrefix(p, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(p, prefix) {
		return false
	}
	if strings.ContainsFunc(p, func(r rune) bool { return r == '\\' || unicode.IsControl(r) }) {
		return false
	}
	cleaned := path.Clean(p)
	return strings.HasPrefix(cleaned+"/", prefix) || strings.HasPrefix(cleaned, prefix)
}
