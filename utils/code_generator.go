// file: utils/code_generator.go
package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateSessionID 生成 16 位容器会话 ID，用作外部/缓存关联键
func GenerateSessionID() string {
	return strings.Replace(uuid.New().String(), "-", "", -1)[:16]
}
