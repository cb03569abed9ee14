// file: models/submission.go
package models

import (
	"time"
)

// Submission 提交记录。审计器在共享检测时按题目/时间窗口检索正确提交。
type Submission struct {
	ID            uint64  `gorm:"primarykey"`
	ChallengeID   uint32  `gorm:"not null;index"`
	UserID        uint32  `gorm:"not null;index"`
	TeamID        *uint32 `gorm:"index"`
	SubmittedFlag string  `gorm:"size:512;not null"`
	IsCorrect     bool    `gorm:"index"`
	SubmittedAt   time.Time
}

func (Submission) TableName() string {
	return "cysctf_submissions"
}
