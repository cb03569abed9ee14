// file: dto/container.go
package dto

// ContainerActionReq start/stop/revert 共用请求体
type ContainerActionReq struct {
	ChallengeID uint32 `json:"challenge_id" binding:"required"`
}

// SubmitFlagReq 提交 Flag 请求体
type SubmitFlagReq struct {
	ChallengeID uint32 `json:"challenge_id" binding:"required"`
	Flag        string `json:"flag" binding:"required"`
}

// DockerSettingsReq 管理员更新容器策略请求体
type DockerSettingsReq struct {
	Hostname                 *string  `json:"hostname"`
	TLSEnabled               *bool    `json:"tls_enabled"`
	CACert                   *string  `json:"ca_cert"`
	ClientCert               *string  `json:"client_cert"`
	ClientKey                *string  `json:"client_key"`
	AllowedRepositories      *string  `json:"allowed_repositories"`
	MaxContainersPerUser     *int     `json:"max_containers_per_user"`
	ContainerLifetimeMinutes *int     `json:"container_lifetime_minutes"`
	RevertCooldownMinutes    *int     `json:"revert_cooldown_minutes"`
	PortRangeStart           *int     `json:"port_range_start"`
	PortRangeEnd             *int     `json:"port_range_end"`
	MaxCPUPercent            *float64 `json:"max_cpu_percent"`
	MaxMemoryMB              *int     `json:"max_memory_mb"`
	AutoCleanupExpired       *bool    `json:"auto_cleanup_expired"`
	CleanupIntervalMinutes   *int     `json:"cleanup_interval_minutes"`
}
