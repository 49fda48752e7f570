package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	AlgorithmSHA256  = "sha256"
	AlgorithmBlake2b = "blake2b"
)

// Hasher 流式计算内容哈希
type Hasher struct {
	algorithm string
}

// NewHasher 创建哈希计算器，algorithm 为 sha256 或 blake2b
func NewHasher(algorithm string) (*Hasher, error) {
	algorithm = strings.ToLower(algorithm)
	switch algorithm {
	case "":
		algorithm = AlgorithmSHA256
	case AlgorithmSHA256, AlgorithmBlake2b:
	default:
		return nil, fmt.Errorf("不支持的哈希算法: %s", algorithm)
	}
	return &Hasher{algorithm: algorithm}, nil
}

// Algorithm 当前算法名称
func (h *Hasher) Algorithm() string {
	return h.algorithm
}

func (h *Hasher) newHash() hash.Hash {
	if h.algorithm == AlgorithmBlake2b {
		// 无密钥时不会返回错误
		d, _ := blake2b.New256(nil)
		return d
	}
	return sha256.New()
}

// Compute 读取整个流并返回十六进制摘要和字节数
func (h *Hasher) Compute(ctx context.Context, r io.Reader) (string, int64, error) {
	d := h.newHash()
	n, err := io.Copy(d, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(d.Sum(nil)), n, nil
}

// ComputeFile 计算文件内容哈希
func (h *Hasher) ComputeFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return h.Compute(ctx, f)
}

// ctxReader 在每次读取前检查 context
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
