// file: models/container.go
package models

import (
	"fmt"
	"time"
)

// ContainerStatus 容器实例生命周期状态
type ContainerStatus string

const (
	ContainerStatusStarting ContainerStatus = "starting"
	ContainerStatusRunning  ContainerStatus = "running"
	ContainerStatusStopping ContainerStatus = "stopping"
	ContainerStatusStopped  ContainerStatus = "stopped"
	ContainerStatusError    ContainerStatus = "error"
)

// legalTransitions 状态机：starting → running → stopping → stopped，
// error 可从 starting/running 到达，stopped 可经过期/强停直接到达。
var legalTransitions = map[ContainerStatus][]ContainerStatus{
	ContainerStatusStarting: {ContainerStatusRunning, ContainerStatusStopping, ContainerStatusStopped, ContainerStatusError},
	ContainerStatusRunning:  {ContainerStatusStopping, ContainerStatusStopped, ContainerStatusError},
	ContainerStatusStopping: {ContainerStatusStopped, ContainerStatusError},
	ContainerStatusStopped:  {},
	ContainerStatusError:    {},
}

// CanTransition 判断一次状态迁移是否合法。编排器与对账循环共用本函数，
// 二者不允许各自维护一套迁移规则。
func CanTransition(from, to ContainerStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActiveStatuses 占用用户配额的状态集合
func ActiveStatuses() []ContainerStatus {
	return []ContainerStatus{ContainerStatusStarting, ContainerStatusRunning}
}

// 容器事件类型
const (
	EventTypeStart  = "start"
	EventTypeStop   = "stop"
	EventTypeRevert = "revert"
	EventTypeExpire = "expire"
	EventTypeError  = "error"
)

// ContainerInstance 对应 cysctf_container_instances 表，容器台账（系统唯一事实源）
type ContainerInstance struct {
	ID          uint32  `gorm:"primarykey"`
	ChallengeID uint32  `gorm:"not null;index"`
	UserID      uint32  `gorm:"not null;index"`
	TeamID      *uint32 `gorm:"index"`

	// Docker 侧信息。ContainerID 在运行时确认前为 starting_<session> 占位值
	ContainerID   string `gorm:"size:128;not null;uniqueIndex"`
	ContainerName string `gorm:"size:256;not null"`
	DockerImage   string `gorm:"size:256;not null"`

	// 网络信息
	HostPort  int    `gorm:"not null"`
	HostIP    string `gorm:"size:256"`
	IPAddress string `gorm:"size:45"`

	// 状态跟踪
	Status    ContainerStatus `gorm:"size:20;default:'starting'"`
	SessionID string          `gorm:"size:64;not null;uniqueIndex"`

	// 动态 Flag 持久化副本（缓存过期后仍可校验/审计）
	DynamicFlag string `gorm:"size:512"`

	CreatedAt      time.Time `gorm:"not null"`
	StartedAt      *time.Time
	StoppedAt      *time.Time
	ExpiresAt      time.Time `gorm:"not null"`
	LastRevertTime *time.Time

	ErrorMessage string `gorm:"type:text"`
}

func (ContainerInstance) TableName() string {
	return "cysctf_container_instances"
}

// IsActive 是否占用配额
func (ci *ContainerInstance) IsActive() bool {
	return ci.Status == ContainerStatusStarting || ci.Status == ContainerStatusRunning
}

// IsExpired 是否已过期
func (ci *ContainerInstance) IsExpired() bool {
	return time.Now().UTC().After(ci.ExpiresAt)
}

// TransitionTo 校验并执行状态迁移
func (ci *ContainerInstance) TransitionTo(to ContainerStatus) error {
	if !CanTransition(ci.Status, to) {
		return fmt.Errorf("illegal container transition %s -> %s (instance %d)", ci.Status, to, ci.ID)
	}
	ci.Status = to
	return nil
}

// ShortContainerID 返回 12 位短 ID，用于对外展示
func (ci *ContainerInstance) ShortContainerID() string {
	if len(ci.ContainerID) > 12 {
		return ci.ContainerID[:12]
	}
	return ci.ContainerID
}

// ContainerView 对外可见的实例投影
type ContainerView struct {
	ID             uint32  `json:"id"`
	ChallengeID    uint32  `json:"challenge_id"`
	UserID         uint32  `json:"user_id"`
	TeamID         *uint32 `json:"team_id"`
	ContainerID    string  `json:"container_id"`
	ContainerName  string  `json:"container_name"`
	DockerImage    string  `json:"docker_image"`
	HostIP         string  `json:"host_ip"`
	HostPort       int     `json:"host_port"`
	IPAddress      string  `json:"ip_address,omitempty"`
	Status         string  `json:"status"`
	SessionID      string  `json:"session_id"`
	ConnectionInfo string  `json:"connection_info,omitempty"`
	CreatedAt      string  `json:"created_at"`
	StartedAt      string  `json:"started_at,omitempty"`
	ExpiresAt      string  `json:"expires_at"`
	ExpiresAtMS    int64   `json:"expires_at_ms"` // 毫秒时间戳，供前端倒计时使用，避免时区换算
	LastRevertTime string  `json:"last_revert_time,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// ToView 构造对外投影，connectionInfo 由调用方渲染后传入
func (ci *ContainerInstance) ToView(connectionInfo string) ContainerView {
	v := ContainerView{
		ID:             ci.ID,
		ChallengeID:    ci.ChallengeID,
		UserID:         ci.UserID,
		TeamID:         ci.TeamID,
		ContainerID:    ci.ShortContainerID(),
		ContainerName:  ci.ContainerName,
		DockerImage:    ci.DockerImage,
		HostIP:         ci.HostIP,
		HostPort:       ci.HostPort,
		IPAddress:      ci.IPAddress,
		Status:         string(ci.Status),
		SessionID:      ci.SessionID,
		ConnectionInfo: connectionInfo,
		CreatedAt:      ci.CreatedAt.Format(time.RFC3339),
		ExpiresAt:      ci.ExpiresAt.Format(time.RFC3339),
		ExpiresAtMS:    ci.ExpiresAt.UnixMilli(),
		ErrorMessage:   ci.ErrorMessage,
	}
	if ci.StartedAt != nil {
		v.StartedAt = ci.StartedAt.Format(time.RFC3339)
	}
	if ci.LastRevertTime != nil {
		v.LastRevertTime = ci.LastRevertTime.Format(time.RFC3339)
	}
	return v
}

// ContainerEvent 对应 cysctf_container_events 表，只追加的生命周期审计日志
type ContainerEvent struct {
	ID uint32 `gorm:"primarykey"`

	// 允许为空：容器从 Docker 侧消失等事件可能晚于实例删除
	ContainerInstanceID *uint32 `gorm:"index"`
	ChallengeID         uint32  `gorm:"not null;index"`
	UserID              uint32  `gorm:"not null;index"`

	EventType string `gorm:"size:50;not null"` // start/stop/revert/expire/error
	Status    string `gorm:"size:20;not null"` // success/failure/pending
	Message   string `gorm:"type:text"`

	IPAddress   string `gorm:"size:45"`
	ContainerID string `gorm:"size:128"`

	Timestamp time.Time `gorm:"not null;index"`
}

func (ContainerEvent) TableName() string {
	return "cysctf_container_events"
}

// EventView 审计事件对外投影
type EventView struct {
	ID                  uint32  `json:"id"`
	ContainerInstanceID *uint32 `json:"container_instance_id"`
	ChallengeID         uint32  `json:"challenge_id"`
	UserID              uint32  `json:"user_id"`
	EventType           string  `json:"event_type"`
	Status              string  `json:"status"`
	Message             string  `json:"message,omitempty"`
	IPAddress           string  `json:"ip_address,omitempty"`
	ContainerID         string  `json:"container_id,omitempty"`
	Timestamp           string  `json:"timestamp"`
}

func (e *ContainerEvent) ToView() EventView {
	return EventView{
		ID:                  e.ID,
		ContainerInstanceID: e.ContainerInstanceID,
		ChallengeID:         e.ChallengeID,
		UserID:              e.UserID,
		EventType:           e.EventType,
		Status:              e.Status,
		Message:             e.Message,
		IPAddress:           e.IPAddress,
		ContainerID:         e.ContainerID,
		Timestamp:           e.Timestamp.Format(time.RFC3339),
	}
}
