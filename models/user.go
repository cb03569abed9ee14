// file: models/user.go
package models

import (
	"time"
)

// 自定义类型 UserRole, UserStatus
type UserRole string
type UserStatus string

const (
	RoleUser      UserRole   = "user"
	RoleAdmin     UserRole   = "admin"
	RoleRootAdmin UserRole   = "root_admin"
	StatusActive  UserStatus = "active"
	StatusBanned  UserStatus = "banned"
)

// User 本子系统只读取用户归属信息，注册/登录由外围服务负责
type User struct {
	ID        uint32     `gorm:"primarykey" json:"id"`
	Username  string     `gorm:"size:50;unique;not null" json:"username"`
	Role      UserRole   `gorm:"size:20;not null;default:'user'" json:"role"`
	Status    UserStatus `gorm:"size:20;not null;default:'active'" json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (User) TableName() string {
	return "cysctf_users"
}
