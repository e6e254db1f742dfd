package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// keyEntropyBytes 密钥随机部分长度（128 位）
const keyEntropyBytes = 16

// GenerateKeyValue 生成 PREFIX-XXXXXXXX-XXXXXXXX-XXXXXXXX-XXXXXXXX 格式的密钥
func GenerateKeyValue(prefix string) (string, error) {
	b := make([]byte, keyEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}

	groups := make([]string, 0, 5)
	if prefix != "" {
		groups = append(groups, prefix)
	}
	for i := 0; i < keyEntropyBytes; i += 4 {
		groups = append(groups, strings.ToUpper(hex.EncodeToString(b[i:i+4])))
	}
	return strings.Join(groups, "-"), nil
}

// generateSecret 生成应用密钥
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
