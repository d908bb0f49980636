package core

import (
	"context"
	"net/http"

	"llm-relay/models"
)

// CredentialStore 凭证持久化抽象
// Pool 只通过此接口读写存储，实现负责密文处理
type CredentialStore interface {
	// LoadAll 读取全部凭证（Secret 为明文）
	LoadAll(ctx context.Context) ([]models.Credential, error)
	// Save 插入或覆盖一条凭证
	Save(ctx context.Context, cred models.Credential) error
	// Delete 删除凭证，不存在时返回 ErrCredentialNotFound
	Delete(ctx context.Context, id string) error
}

// SelectionStrategy 决定同一优先级内候选凭证的顺序
type SelectionStrategy interface {
	// Name 返回策略名称，如 "lru", "fill_first"
	Name() string

	// Less 报告 a 是否应排在 b 之前
	Less(a, b *models.Credential) bool
}

// SecretProvider 抽象密钥加解密
// 存储层写入前加密、读取后解密
type SecretProvider interface {
	Decrypt(ciphertext string) (string, error)
	Encrypt(plaintext string) (string, error)
}

// ClientFactory 为凭证提供出站 HTTP Client
type ClientFactory interface {
	ClientFor(cred *models.Credential) *http.Client
}

// ResponseSink 前端持有的响应写入端
type ResponseSink interface {
	http.ResponseWriter
	http.Flusher
}

// DispatchRecorder 接收每个客户端请求的调度记录（异步落库）
type DispatchRecorder interface {
	Log(log *models.DispatchLog)
}
