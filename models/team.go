// file: models/team.go
package models

import (
	"time"
)

// 自定义队伍状态类型
type TeamStatus string

const (
	TeamStatusActive TeamStatus = "active"
	TeamStatusBanned TeamStatus = "banned"
)

type Team struct {
	ID         uint32     `gorm:"primarykey" json:"id"`
	TeamName   string     `gorm:"size:100;unique;not null" json:"team_name"`
	TeamStatus TeamStatus `gorm:"size:20;default:'active'" json:"team_status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (Team) TableName() string {
	return "cysctf_teams"
}
