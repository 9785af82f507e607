package notify

import (
	"context"
)

// RecipientResolver 解析通知接收人
type RecipientResolver interface {
	Resolve(ctx context.Context, deviceID, factoryID string) ([]string, error)
}

// StaticRecipients 固定接收人列表
type StaticRecipients []string

// Resolve 返回副本，调用方修改不影响配置
func (s StaticRecipients) Resolve(_ context.Context, _, _ string) ([]string, error) {
	out := make([]string, len(s))
	copy(out, s)
	return out, nil
}
