package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix 标记已加密的值，旧的明文记录可以原样读出
const sealedPrefix = "enc:"

// AESSecretProvider 实现基于 AES-GCM 的凭证加解密
type AESSecretProvider struct {
	aead cipher.AEAD
}

// NewAESSecretProvider 创建新的 AES Secret Provider
// keyStr 必须是 16, 24, 或 32 字节长的字符串（对应 AES-128, AES-192, AES-256）
func NewAESSecretProvider(keyStr string) (*AESSecretProvider, error) {
	key := []byte(keyStr)
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("invalid key length: %d. Must be 16, 24, or 32 bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESSecretProvider{aead: gcm}, nil
}

func (p *AESSecretProvider) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := p.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (p *AESSecretProvider) Decrypt(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed secret: %w", err)
	}

	nonceSize := p.aead.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed secret: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed 判断值是否由 AESSecretProvider 加密
func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealedPrefix)
}

// NoOpSecretProvider 未配置密钥时的明文透传实现
type NoOpSecretProvider struct{}

func NewNoOpSecretProvider() *NoOpSecretProvider {
	return &NoOpSecretProvider{}
}

func (NoOpSecretProvider) Decrypt(value string) (string, error) {
	if IsSealed(value) {
		return "", errors.New("secret is encrypted but no secret_key is configured")
	}
	return value, nil
}

func (NoOpSecretProvider) Encrypt(plaintext string) (string, error) {
	return plaintext, nil
}
