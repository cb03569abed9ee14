// file: models/flag_abuse.go
package models

import (
	"time"
)

// 共享严重程度
const (
	AbuseSeverityWarning    = "warning"
	AbuseSeveritySuspicious = "suspicious"
	AbuseSeverityCritical   = "critical"
)

// FlagAbuseAttempt 对应 cysctf_flag_abuse_attempts 表。
// 记录向其他队伍/用户的 Flag 提交证据，仅由审计器创建，从不修改。
type FlagAbuseAttempt struct {
	ID uint32 `gorm:"primarykey"`

	// 提交方
	UserID uint32  `gorm:"not null;index"`
	TeamID *uint32 `gorm:"index"`

	ChallengeID uint32 `gorm:"not null;index"`

	// 提交的完整 Flag 原文
	SubmittedFlag string `gorm:"size:512;not null"`

	// Flag 真实归属方（归属方被删除后为 NULL）
	ActualTeamID *uint32 `gorm:"index"`
	ActualUserID *uint32

	IPAddress string    `gorm:"size:45"`
	Timestamp time.Time `gorm:"not null;index"`

	Severity string `gorm:"size:20;default:'warning'"` // warning/suspicious/critical
	Notes    string `gorm:"type:text"`
}

func (FlagAbuseAttempt) TableName() string {
	return "cysctf_flag_abuse_attempts"
}

// AbuseAttemptView 对外投影；提交 Flag 超长时截断展示
type AbuseAttemptView struct {
	ID            uint32  `json:"id"`
	UserID        uint32  `json:"user_id"`
	TeamID        *uint32 `json:"team_id"`
	ChallengeID   uint32  `json:"challenge_id"`
	SubmittedFlag string  `json:"submitted_flag"`
	ActualTeamID  *uint32 `json:"actual_team_id"`
	ActualUserID  *uint32 `json:"actual_user_id"`
	IPAddress     string  `json:"ip_address,omitempty"`
	Timestamp     string  `json:"timestamp"`
	Severity      string  `json:"severity"`
	Notes         string  `json:"notes,omitempty"`
}

func (a *FlagAbuseAttempt) ToView() AbuseAttemptView {
	flag := a.SubmittedFlag
	if len(flag) > 50 {
		flag = flag[:50] + "..."
	}
	return AbuseAttemptView{
		ID:            a.ID,
		UserID:        a.UserID,
		TeamID:        a.TeamID,
		ChallengeID:   a.ChallengeID,
		SubmittedFlag: flag,
		ActualTeamID:  a.ActualTeamID,
		ActualUserID:  a.ActualUserID,
		IPAddress:     a.IPAddress,
		Timestamp:     a.Timestamp.Format(time.RFC3339),
		Severity:      a.Severity,
		Notes:         a.Notes,
	}
}
