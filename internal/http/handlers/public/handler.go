package public

import "github.com/classdues/internal/provider"

// Handler 公开接口处理器入口
// 说明：该处理器用于学生侧发起/查询支付、支付回调与名单查询。
type Handler struct {
	*provider.Container
}

// New 创建公开处理器
func New(c *provider.Container) *Handler {
	return &Handler{Container: c}
}
