package admin

import "github.com/classdues/internal/provider"

// Handler 运维接口处理器入口
// 说明：该处理器仅用于财务/运维侧 API（人工核验、对账重试、过期扫描）。
type Handler struct {
	*provider.Container
}

// New 创建运维处理器
func New(c *provider.Container) *Handler {
	return &Handler{Container: c}
}
