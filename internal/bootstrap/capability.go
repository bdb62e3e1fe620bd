package bootstrap

import (
	"strings"

	"atworker/pkg/domain"
)

// Detector 判断当前执行环境是否支持模块类型的后台工作者
type Detector interface {
	SupportsModuleWorkers() bool
}

// DefaultClassicMarkers 不支持模块类型工作者的浏览器标识片段
var DefaultClassicMarkers = []string{"firefox"}

// UserAgentDetector 基于浏览器标识串的不区分大小写子串匹配
type UserAgentDetector struct {
	UserAgent string
	// Markers 命中任一片段即视为不支持，为空时使用 DefaultClassicMarkers
	Markers []string
}

// SupportsModuleWorkers 实现 Detector
func (d UserAgentDetector) SupportsModuleWorkers() bool {
	markers := d.Markers
	if len(markers) == 0 {
		markers = DefaultClassicMarkers
	}
	ua := strings.ToLower(d.UserAgent)
	for _, m := range markers {
		if m != "" && strings.Contains(ua, strings.ToLower(m)) {
			return false
		}
	}
	return true
}

// Script 待注册的工作者脚本
type Script struct {
	Path    string
	Variant domain.ScriptVariant
}

// RegisterOptions 注册时携带的元数据，仅模块变体设置 Type
type RegisterOptions struct {
	Type string
}

// Options 返回该脚本的注册元数据
func (s Script) Options() RegisterOptions {
	if s.Variant == domain.VariantModule {
		return RegisterOptions{Type: string(domain.VariantModule)}
	}
	return RegisterOptions{}
}

// Scripts 两种变体的脚本路径
type Scripts struct {
	Module  string
	Classic string
}

// Select 按环境能力选择脚本变体
func Select(d Detector, scripts Scripts) Script {
	if d != nil && !d.SupportsModuleWorkers() {
		return Script{Path: scripts.Classic, Variant: domain.VariantClassic}
	}
	return Script{Path: scripts.Module, Variant: domain.VariantModule}
}
