// file: models/challenge.go
package models

import (
	"strings"
	"time"
)

type ChallengeState string

const (
	ChallengeStateVisible ChallengeState = "visible"
	ChallengeStateHidden  ChallengeState = "hidden"
)

// Challenge 对应 cysctf_challenges 表。本子系统只关心容器相关字段，
// 题面/分数等由外围 CRUD 维护。
type Challenge struct {
	ID            uint32         `gorm:"primarykey"`
	ChallengeName string         `gorm:"size:100;unique;not null"`
	Description   string         `gorm:"type:text"`
	State         ChallengeState `gorm:"size:20;default:'hidden'"`

	// 静态 Flag（可为 PREFIX{...} 形式，动态 Flag 前缀会继承它）
	Flag string `gorm:"size:255"`
	// 管理员配置的正则 Flag 匹配模式，供提交校验与共享检测使用
	FlagRegex string `gorm:"size:255"`

	// 容器相关配置
	DockerEnabled        bool   `gorm:"default:false"`
	DockerImage          string `gorm:"size:256"`
	DockerPort           int    `gorm:"default:80"` // 容器内服务端口
	DockerConnectionInfo string `gorm:"size:256"`   // 连接信息模板，支持 {host}/{port} 占位符
	// 管理员声明的容器内 Flag 写入路径；为空时绝不生成/写入动态 Flag，
	// 避免覆盖静态题目镜像内的文件
	DockerFlagPath string `gorm:"size:256"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Challenge) TableName() string {
	return "cysctf_challenges"
}

// SupportsContainers 题目是否允许开容器
func (ch *Challenge) SupportsContainers() bool {
	return ch.DockerEnabled && ch.DockerImage != ""
}

// FlagPrefix 取静态 Flag 的前缀（PREFIX{...} 形式），否则返回空串
func (ch *Challenge) FlagPrefix() string {
	if strings.Contains(ch.Flag, "{") && strings.Contains(ch.Flag, "}") {
		return strings.SplitN(ch.Flag, "{", 2)[0]
	}
	return ""
}
