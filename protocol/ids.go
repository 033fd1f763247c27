package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewUUID 32 位十六进制、无连字符
func NewUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// PseudoUUID 由任意字符串稳定派生的 UUID（离线模式下的账号标识）
func PseudoUUID(s string) string {
	sum := sha256.Sum256([]byte(s))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		panic(err)
	}
	return hex.EncodeToString(id[:])
}
