// file: services/ports.go
package services

import (
	"errors"
	"math/rand"

	"gorm.io/gorm"

	"CYSCTF/models"
)

// ErrNoAvailablePorts 端口区间采样耗尽
var ErrNoAvailablePorts = errors.New("no available ports in range")

const portAllocAttempts = 100

// AllocatePort 在配置区间内随机采样一个未被 running 实例占用的主机端口。
// 随机采样（而非顺序扫描）降低并发申请的碰撞概率；残余竞态窗口造成的
// 端口绑定失败按普通启动失败处理，不引入全局锁。
func AllocatePort(db *gorm.DB, settings *models.DockerSettings) (int, error) {
	var claimed []int
	if err := db.Model(&models.ContainerInstance{}).
		Where("status = ?", models.ContainerStatusRunning).
		Pluck("host_port", &claimed).Error; err != nil {
		return 0, err
	}

	used := make(map[int]struct{}, len(claimed))
	for _, p := range claimed {
		used[p] = struct{}{}
	}

	span := settings.PortRangeEnd - settings.PortRangeStart + 1
	if span <= 0 {
		return 0, ErrNoAvailablePorts
	}
	for i := 0; i < portAllocAttempts; i++ {
		port := settings.PortRangeStart + rand.Intn(span)
		if _, taken := used[port]; !taken {
			return port, nil
		}
	}
	return 0, ErrNoAvailablePorts
}
