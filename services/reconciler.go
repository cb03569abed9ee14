// file: services/reconciler.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"CYSCTF/models"
)

// Reconciler 对账循环：周期性比对台账与运行时真实状态并双向纠偏。
// start/stop 对运行时都是尽力而为，短暂不一致是预期内的，本循环是
// 唯一的收敛力量。独立于任何请求运行，只产生日志和台账修正。
type Reconciler struct {
	db       *gorm.DB
	runtime  ContainerRuntime
	cache    KeyValueStore
	logger   *logrus.Logger
	interval time.Duration
}

func NewReconciler(db *gorm.DB, runtime ContainerRuntime, cache KeyValueStore, logger *logrus.Logger, interval time.Duration) *Reconciler {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Reconciler{db: db, runtime: runtime, cache: cache, logger: logger, interval: interval}
}

// Run 阻塞运行对账循环，ctx 取消后退出。应在独立 goroutine 中调用
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Infof("Starting container reconciliation loop (interval: %s)", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep 执行一轮对账。单行出错不阻断其余行的处理
func (r *Reconciler) Sweep(ctx context.Context) {
	var active []models.ContainerInstance
	if err := r.db.Where("status IN ?", []models.ContainerStatus{
		models.ContainerStatusStarting,
		models.ContainerStatusRunning,
		models.ContainerStatusStopping,
	}).Find(&active).Error; err != nil {
		r.logger.Errorf("reconciliation: list ledger rows: %v", err)
		return
	}

	live, err := r.runtime.ListPlatformContainers(ctx)
	if err != nil {
		r.logger.Errorf("reconciliation: list docker containers: %v", err)
		return
	}
	liveByID := make(map[string]RuntimeContainer, len(live))
	for _, c := range live {
		liveByID[c.ID] = c
	}

	checked, stopped, marked := 0, 0, 0
	for i := range active {
		row := &active[i]
		s, m, err := r.reconcileRow(ctx, row, liveByID)
		stopped += s
		marked += m
		if err != nil {
			r.logger.WithField("instance_id", row.ID).Errorf("reconcile row: %v", err)
			continue
		}
		checked++
	}

	// 反向：台账已判 stopped 但运行时还活着的容器必须拆掉。
	// 台账代表意图，stopped 是一个必须被执行的决定
	stopped += r.enforceStoppedIntent(ctx, live)

	if checked > 0 || stopped > 0 || marked > 0 {
		r.logger.Infof("Reconciliation complete: %d checked, %d stopped in Docker, %d marked stopped in DB",
			checked, stopped, marked)
	}
}

// reconcileRow 处理单行台账，返回 (运行时停止数, 台账修正数)
func (r *Reconciler) reconcileRow(ctx context.Context, row *models.ContainerInstance, liveByID map[string]RuntimeContainer) (int, int, error) {
	stopped, marked := 0, 0

	dc, present := liveByID[row.ContainerID]

	if !present {
		// 运行时丢了容器（崩溃/手动删除/宿主机重启），台账不能继续占坑
		if err := r.markStopped(ctx, row, "Container not found in Docker", models.EventTypeError); err != nil {
			return stopped, marked, err
		}
		r.logger.WithField("container_name", row.ContainerName).Info("Container missing in Docker, marked as stopped")
		return stopped, marked + 1, nil
	}

	if (dc.State == "exited" || dc.State == "dead") &&
		(row.Status == models.ContainerStatusStarting || row.Status == models.ContainerStatusRunning) {
		if err := r.markStopped(ctx, row, fmt.Sprintf("Container exited with status: %s", dc.State), models.EventTypeStop); err != nil {
			return stopped, marked, err
		}
		r.logger.WithField("container_name", row.ContainerName).Info("Container has exited, marked as stopped")
		return stopped, marked + 1, nil
	}

	// 过期检查独立于上面两种漂移
	if row.IsExpired() &&
		(row.Status == models.ContainerStatusStarting || row.Status == models.ContainerStatusRunning) {
		if err := r.runtime.StopAndRemove(ctx, row.ContainerID); err != nil {
			r.logger.WithField("container_name", row.ContainerName).Warnf("stop expired container: %v", err)
		} else {
			stopped++
		}
		if err := r.markStopped(ctx, row, "Container expired", models.EventTypeExpire); err != nil {
			return stopped, marked, err
		}
		r.logger.WithField("container_name", row.ContainerName).Info("Container expired, stopped and marked")
		return stopped, marked + 1, nil
	}

	return stopped, marked, nil
}

// enforceStoppedIntent 拆除台账判停但运行时仍在跑的容器
func (r *Reconciler) enforceStoppedIntent(ctx context.Context, live []RuntimeContainer) int {
	runningIDs := make([]string, 0, len(live))
	for _, c := range live {
		if c.State == "running" {
			runningIDs = append(runningIDs, c.ID)
		}
	}
	if len(runningIDs) == 0 {
		return 0
	}

	var stale []models.ContainerInstance
	if err := r.db.Where("container_id IN ? AND status = ?", runningIDs, models.ContainerStatusStopped).
		Find(&stale).Error; err != nil {
		r.logger.Errorf("reconciliation: query stopped rows: %v", err)
		return 0
	}

	enforced := 0
	for i := range stale {
		row := &stale[i]
		if err := r.runtime.StopAndRemove(ctx, row.ContainerID); err != nil {
			r.logger.WithField("container_name", row.ContainerName).Errorf("enforce stop: %v", err)
			continue
		}
		r.logEvent(row, models.EventTypeStop, "Stopped runtime container for ledger-stopped instance")
		r.logger.WithField("container_name", row.ContainerName).Info("Stopped Docker container (marked stopped in DB)")
		enforced++
	}
	return enforced
}

// markStopped 台账侧修正为 stopped，附带审计事件和缓存清理
func (r *Reconciler) markStopped(ctx context.Context, row *models.ContainerInstance, reason, eventType string) error {
	if err := row.TransitionTo(models.ContainerStatusStopped); err != nil {
		return err
	}
	now := time.Now().UTC()
	row.StoppedAt = &now
	row.ErrorMessage = reason
	if err := r.db.Save(row).Error; err != nil {
		return fmt.Errorf("persist stopped status: %w", err)
	}

	r.logEvent(row, eventType, reason)

	if row.SessionID != "" {
		r.cache.Delete(ctx, cacheKeySession+row.SessionID)
		r.cache.Delete(ctx, cacheKeyDynamicFlag+row.SessionID)
	}
	return nil
}

func (r *Reconciler) logEvent(row *models.ContainerInstance, eventType, message string) {
	instanceID := row.ID
	event := models.ContainerEvent{
		ContainerInstanceID: &instanceID,
		ChallengeID:         row.ChallengeID,
		UserID:              row.UserID,
		EventType:           eventType,
		Status:              "success",
		Message:             message,
		ContainerID:         row.ContainerID,
		Timestamp:           time.Now().UTC(),
	}
	if err := r.db.Create(&event).Error; err != nil {
		r.logger.WithField("instance_id", row.ID).Errorf("log reconciliation event: %v", err)
	}
}
