package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// CipherBackend 密码学后端
// 负责密钥材料的生成与封装，核心只持有封装后的材料。
// 软件实现之外可以接入 HSM 或云 KMS，契约保持不变。
type CipherBackend interface {
	// Mint 生成一份新的密钥材料并返回封装结果
	Mint(ctx context.Context, algorithm string) ([]byte, error)
	// Ping 检查后端可用性
	Ping(ctx context.Context) error
}

// SoftwareCipherBackend 软件密码后端
// 随机生成 32 字节材料，用 HKDF 从主密钥派生的包裹密钥做 AES-GCM 封装，
// Nonce 置于密文前缀。
type SoftwareCipherBackend struct {
	wrapKey []byte
}

// NewSoftwareCipherBackend 创建软件密码后端
// masterSecret 来自环境变量，不允许为空。
func NewSoftwareCipherBackend(masterSecret string) (*SoftwareCipherBackend, error) {
	if masterSecret == "" {
		return nil, errors.New("主密钥未配置")
	}

	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("trustcore/key-wrapping/v1"))
	wrapKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, wrapKey); err != nil {
		return nil, fmt.Errorf("派生包裹密钥失败: %w", err)
	}
	return &SoftwareCipherBackend{wrapKey: wrapKey}, nil
}

// Mint 生成并封装一份密钥材料
func (b *SoftwareCipherBackend) Mint(ctx context.Context, algorithm string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	material := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("生成密钥材料失败: %w", err)
	}
	return b.wrap(material)
}

func (b *SoftwareCipherBackend) wrap(material []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.wrapKey)
	if err != nil {
		return nil, fmt.Errorf("初始化密钥失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("初始化 GCM 失败: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("生成随机数失败: %w", err)
	}
	return gcm.Seal(nonce, nonce, material, nil), nil
}

// Unwrap 解封密钥材料，仅供需要原始材料的内部组件使用
func (b *SoftwareCipherBackend) Unwrap(wrapped []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.wrapKey)
	if err != nil {
		return nil, fmt.Errorf("初始化密钥失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("初始化 GCM 失败: %w", err)
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, errors.New("密文长度无效")
	}
	nonce := wrapped[:gcm.NonceSize()]
	data := wrapped[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("解封密钥材料失败: %w", err)
	}
	return plain, nil
}

// Ping 软件后端总是可用
func (b *SoftwareCipherBackend) Ping(ctx context.Context) error {
	return ctx.Err()
}
