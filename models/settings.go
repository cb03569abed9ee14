// file: models/settings.go
package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// DockerSettings 对应 cysctf_docker_settings 表，单行策略快照。
// 管理员修改后需调用编排器的 Reinitialize 使运行时连接配置生效。
type DockerSettings struct {
	ID uint32 `gorm:"primarykey"`

	// 运行时端点。空 = 本地 socket；tcp://host:port = 远程
	Hostname   string `gorm:"size:256"`
	TLSEnabled bool   `gorm:"default:false"`
	CACert     string `gorm:"type:text"`
	ClientCert string `gorm:"type:text"`
	ClientKey  string `gorm:"type:text"`

	// 镜像白名单：换行分隔的前缀列表，空 = 放行所有镜像
	AllowedRepositories string `gorm:"type:text"`

	MaxContainersPerUser     int `gorm:"default:1"`
	ContainerLifetimeMinutes int `gorm:"default:15"`
	RevertCooldownMinutes    int `gorm:"default:5"`

	PortRangeStart int `gorm:"default:30000"`
	PortRangeEnd   int `gorm:"default:30100"`

	MaxCPUPercent float64 `gorm:"default:50"`
	MaxMemoryMB   int     `gorm:"default:512"`

	AutoCleanupOnSolve     bool `gorm:"default:true"`
	AutoCleanupExpired     bool `gorm:"default:true"`
	CleanupIntervalMinutes int  `gorm:"default:5"`
	CleanupStaleContainers bool `gorm:"default:true"`
	StaleContainerHours    int  `gorm:"default:2"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DockerSettings) TableName() string {
	return "cysctf_docker_settings"
}

// GetDockerSettings 读取单行配置，不存在时落库默认值
func GetDockerSettings(db *gorm.DB) (*DockerSettings, error) {
	var cfg DockerSettings
	err := db.First(&cfg).Error
	if err == gorm.ErrRecordNotFound {
		cfg = DockerSettings{
			AllowedRepositories:      "ctf-",
			MaxContainersPerUser:     1,
			ContainerLifetimeMinutes: 15,
			RevertCooldownMinutes:    5,
			PortRangeStart:           30000,
			PortRangeEnd:             30100,
			MaxCPUPercent:            50,
			MaxMemoryMB:              512,
			AutoCleanupOnSolve:       true,
			AutoCleanupExpired:       true,
			CleanupIntervalMinutes:   5,
			CleanupStaleContainers:   true,
			StaleContainerHours:      2,
		}
		if err := db.Create(&cfg).Error; err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AllowedRepositoryList 解析换行分隔的白名单前缀
func (s *DockerSettings) AllowedRepositoryList() []string {
	var out []string
	for _, line := range strings.Split(s.AllowedRepositories, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// IsImageAllowed 前缀匹配白名单，空白名单放行所有镜像
func (s *DockerSettings) IsImageAllowed(image string) bool {
	repos := s.AllowedRepositoryList()
	if len(repos) == 0 {
		return true
	}
	for _, prefix := range repos {
		if strings.HasPrefix(image, prefix) {
			return true
		}
	}
	return false
}
