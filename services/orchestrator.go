// file: services/orchestrator.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"CYSCTF/models"
	"CYSCTF/utils"
)

// Result 编排器操作的统一返回。运行时故障在这里收敛为结构化失败，
// 绝不把原始 SDK 错误抛给上层。
type Result struct {
	Success             bool                  `json:"success"`
	Status              string                `json:"status,omitempty"`
	Container           *models.ContainerView `json:"container,omitempty"`
	Error               string                `json:"error,omitempty"`
	Message             string                `json:"message,omitempty"`
	RemainingSeconds    int                   `json:"remaining_seconds,omitempty"`
	ExistingChallengeID uint32                `json:"existing_challenge_id,omitempty"`
}

func failure(format string, args ...interface{}) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Orchestrator 容器生命周期编排器：start/stop/revert/status 四个操作，
// 负责策略校验并保持台账与运行时一致。
type Orchestrator struct {
	db      *gorm.DB
	runtime ContainerRuntime
	cache   KeyValueStore
	logger  *logrus.Logger
}

func NewOrchestrator(db *gorm.DB, runtime ContainerRuntime, cache KeyValueStore, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Orchestrator{db: db, runtime: runtime, cache: cache, logger: logger}
}

// Reinitialize 管理员修改运行时连接配置后调用，丢弃缓存的客户端
func (o *Orchestrator) Reinitialize() {
	o.runtime.Reinitialize()
}

// Start 为题目启动一个容器实例。校验顺序：题目可用 → 镜像白名单 →
// 用户配额 → 同题目重复/冷却 → 端口分配 → 先写台账再调运行时。
func (o *Orchestrator) Start(ctx context.Context, challengeID, userID uint32, clientIP string, teamID *uint32) Result {
	var challenge models.Challenge
	if err := o.db.First(&challenge, challengeID).Error; err != nil {
		return failure("Challenge not found")
	}
	if !challenge.SupportsContainers() {
		return failure("This challenge does not support containers")
	}

	settings, err := models.GetDockerSettings(o.db)
	if err != nil {
		return failure("Docker is not configured. Please contact administrator.")
	}
	if !settings.IsImageAllowed(challenge.DockerImage) {
		return failure("This Docker image is not in the allowed repositories")
	}

	// 全局配额：统计该用户所有占用配额的实例
	var activeCount int64
	o.db.Model(&models.ContainerInstance{}).
		Where("user_id = ? AND status IN ?", userID, models.ActiveStatuses()).
		Count(&activeCount)
	if activeCount >= int64(settings.MaxContainersPerUser) {
		var existing models.ContainerInstance
		errMsg := "You already have a container running. Please stop it before starting a new one."
		result := Result{Success: false, Error: errMsg}
		if err := o.db.Where("user_id = ? AND status IN ?", userID, models.ActiveStatuses()).
			First(&existing).Error; err == nil {
			var occupying models.Challenge
			if err := o.db.First(&occupying, existing.ChallengeID).Error; err == nil {
				result.Error = fmt.Sprintf("You already have a container running for: %s. Please stop it before starting a new one.", occupying.ChallengeName)
			}
			result.ExistingChallengeID = existing.ChallengeID
		}
		return result
	}

	// 同一 (题目, 用户) 已在运行：冷却期内直接拒绝，否则提示走 revert
	var existingContainer models.ContainerInstance
	if err := o.db.Where("challenge_id = ? AND user_id = ? AND status = ?",
		challengeID, userID, models.ContainerStatusRunning).
		First(&existingContainer).Error; err == nil {
		if remaining := cooldownRemaining(&existingContainer, settings, time.Now().UTC()); remaining > 0 {
			return Result{
				Success:          false,
				Status:           "cooldown",
				Error:            fmt.Sprintf("Please wait %d seconds before reverting", remaining),
				RemainingSeconds: remaining,
			}
		}
		view := existingContainer.ToView(renderConnectionInfo(&challenge, existingContainer.HostIP, existingContainer.HostPort))
		return Result{
			Success:   false,
			Status:    "running",
			Error:     "Container already running. Use revert to restart.",
			Container: &view,
		}
	}

	sessionID := utils.GenerateSessionID()
	containerName := fmt.Sprintf("%s-user%d-chal%d-%s", ContainerNamePrefix, userID, challengeID, sessionID)

	port, err := AllocatePort(o.db, settings)
	if err != nil {
		return failure("Failed to allocate port: %v", err)
	}

	// 先落台账（status=starting、占位容器 ID）再调运行时：
	// 并发的第二个 Start 会看到这一行而被配额挡住，运行时调用
	// 永不返回时也留有审计痕迹。
	now := time.Now().UTC()
	instance := models.ContainerInstance{
		ChallengeID:   challengeID,
		UserID:        userID,
		TeamID:        teamID,
		ContainerID:   "starting_" + sessionID,
		ContainerName: containerName,
		DockerImage:   challenge.DockerImage,
		HostPort:      port,
		HostIP:        o.runtime.Host(),
		Status:        models.ContainerStatusStarting,
		SessionID:     sessionID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(settings.ContainerLifetimeMinutes) * time.Minute),
	}
	if err := o.db.Create(&instance).Error; err != nil {
		return failure("Failed to create container record: %v", err)
	}

	o.logEvent(&instance, models.EventTypeStart, "pending", "Starting container", clientIP)

	containerID, err := o.createAndStart(ctx, &challenge, &instance, sessionID, port)
	if err != nil {
		instance.ErrorMessage = err.Error()
		if terr := instance.TransitionTo(models.ContainerStatusError); terr != nil {
			o.logger.Warnf("transition to error: %v", terr)
		}
		if serr := o.db.Save(&instance).Error; serr != nil {
			o.logger.WithField("instance_id", instance.ID).Errorf("persist error status: %v", serr)
		}
		o.logEvent(&instance, models.EventTypeError, "failure", err.Error(), clientIP)
		return failure("Failed to start container: %v", err)
	}

	now = time.Now().UTC()
	instance.ContainerID = containerID
	instance.StartedAt = &now
	instance.ExpiresAt = now.Add(time.Duration(settings.ContainerLifetimeMinutes) * time.Minute)
	if err := instance.TransitionTo(models.ContainerStatusRunning); err != nil {
		o.logger.Warnf("transition to running: %v", err)
	}
	// 运行时侧已成功，台账写失败只能记日志：容器无法靠回滚台账撤销
	if err := o.db.Save(&instance).Error; err != nil {
		o.logger.WithField("instance_id", instance.ID).Errorf("persist running status: %v", err)
	}
	o.logEvent(&instance, models.EventTypeStart, "success", fmt.Sprintf("Container started on port %d", port), clientIP)

	// 短 TTL 限流标记与会话关联
	o.cache.Set(ctx, fmt.Sprintf("%s%d:%d", cacheKeyRateLimit, userID, challengeID), "1", 5*time.Minute)
	if payload, err := json.Marshal(map[string]interface{}{
		"container_id": containerID,
		"user_id":      userID,
		"challenge_id": challengeID,
		"expires_at":   instance.ExpiresAt.Format(time.RFC3339),
	}); err == nil {
		o.cache.Set(ctx, cacheKeySession+sessionID, string(payload),
			time.Duration(settings.ContainerLifetimeMinutes)*time.Minute)
	}

	// 仅在题目显式声明了容器内 Flag 路径时才生成并注入动态 Flag，
	// 避免覆盖静态题目镜像里的文件
	if challenge.DockerFlagPath != "" {
		ownerTag := OwnerTag(teamID, instance.ID)
		flag := GenerateDynamicFlag(ctx, o.cache, &challenge, ownerTag)
		instance.DynamicFlag = flag
		if err := o.db.Save(&instance).Error; err != nil {
			// 库写失败退回缓存，按会话键存一份
			o.logger.WithField("instance_id", instance.ID).Warnf("persist dynamic flag: %v", err)
			o.cache.Set(ctx, cacheKeyDynamicFlag+sessionID, flag,
				time.Duration(settings.ContainerLifetimeMinutes)*time.Minute)
		}
		if err := InjectFlag(ctx, o.runtime, containerID, flag, challenge.DockerFlagPath); err != nil {
			// 注入失败不拉倒整个启动：缺 Flag 文件的实例仍然可用
			o.logger.WithFields(logrus.Fields{
				"container_id": instance.ShortContainerID(),
				"path":         challenge.DockerFlagPath,
			}).Warnf("inject dynamic flag: %v", err)
		}
	}

	o.logger.WithFields(logrus.Fields{
		"container_id": instance.ShortContainerID(),
		"user_id":      userID,
		"challenge_id": challengeID,
		"port":         port,
	}).Info("Container started")

	view := instance.ToView(renderConnectionInfo(&challenge, instance.HostIP, port))
	return Result{Success: true, Status: string(models.ContainerStatusRunning), Container: &view}
}

// createAndStart 调运行时创建容器；镜像缺失时拉取一次并重试，第二次失败为终态
func (o *Orchestrator) createAndStart(ctx context.Context, challenge *models.Challenge, instance *models.ContainerInstance, sessionID string, port int) (string, error) {
	settings, err := models.GetDockerSettings(o.db)
	if err != nil {
		return "", err
	}
	spec := CreateSpec{
		Image:         challenge.DockerImage,
		Name:          instance.ContainerName,
		ContainerPort: challenge.DockerPort,
		HostPort:      port,
		Env: []string{
			fmt.Sprintf("CTF_USER_ID=%d", instance.UserID),
			fmt.Sprintf("CTF_CHALLENGE_ID=%d", challenge.ID),
			"CTF_SESSION_ID=" + sessionID,
		},
		Labels: map[string]string{
			"ctf.challenge_id": fmt.Sprintf("%d", challenge.ID),
			"ctf.user_id":      fmt.Sprintf("%d", instance.UserID),
			"ctf.session_id":   sessionID,
		},
		MemoryMB:   settings.MaxMemoryMB,
		CPUPercent: settings.MaxCPUPercent,
	}

	containerID, err := o.runtime.CreateAndStart(ctx, spec)
	if err == nil {
		return containerID, nil
	}
	if !errors.Is(err, ErrImageNotFound) {
		return "", err
	}

	o.logger.WithField("image", challenge.DockerImage).Info("Image not found, pulling")
	if pullErr := o.runtime.PullImage(ctx, challenge.DockerImage); pullErr != nil {
		return "", fmt.Errorf("docker image not found and pull failed: %w", pullErr)
	}
	return o.runtime.CreateAndStart(ctx, spec)
}

// Stop 停止用户在该题目下正在运行的容器。
// 运行时调用是尽力而为：即便失败也必须把台账置为 stopped，
// 否则幽灵 running 行会让配额检查永远卡住该用户。
func (o *Orchestrator) Stop(ctx context.Context, challengeID, userID uint32, force bool) Result {
	var instance models.ContainerInstance
	if err := o.db.Where("challenge_id = ? AND user_id = ? AND status = ?",
		challengeID, userID, models.ContainerStatusRunning).
		First(&instance).Error; err != nil {
		return failure("No running container found")
	}

	if !force {
		settings, err := models.GetDockerSettings(o.db)
		if err == nil {
			if remaining := cooldownRemaining(&instance, settings, time.Now().UTC()); remaining > 0 {
				return Result{
					Success:          false,
					Error:            fmt.Sprintf("Please wait %d seconds before stopping", remaining),
					RemainingSeconds: remaining,
				}
			}
		}
	}

	if err := o.runtime.StopAndRemove(ctx, instance.ContainerID); err != nil {
		o.logger.WithField("container_id", instance.ShortContainerID()).Warnf("stop container in docker: %v", err)
	}

	now := time.Now().UTC()
	if err := instance.TransitionTo(models.ContainerStatusStopped); err != nil {
		o.logger.Warnf("transition to stopped: %v", err)
	}
	instance.StoppedAt = &now
	if err := o.db.Save(&instance).Error; err != nil {
		o.logger.WithField("instance_id", instance.ID).Errorf("persist stopped status: %v", err)
	}

	o.logEvent(&instance, models.EventTypeStop, "success", "Container stopped by user", "")
	o.purgeSessionCache(ctx, instance.SessionID)

	return Result{Success: true, Message: "Container stopped successfully"}
}

// Revert 等价于强制停止后立即重启。LastRevertTime 在新启动之前落库，
// 新实例一出生就处于冷却保护之下。
func (o *Orchestrator) Revert(ctx context.Context, challengeID, userID uint32, clientIP string, teamID *uint32) Result {
	var running models.ContainerInstance
	if err := o.db.Where("challenge_id = ? AND user_id = ? AND status = ?",
		challengeID, userID, models.ContainerStatusRunning).
		First(&running).Error; err == nil {
		if settings, err := models.GetDockerSettings(o.db); err == nil {
			if remaining := cooldownRemaining(&running, settings, time.Now().UTC()); remaining > 0 {
				return Result{
					Success:          false,
					Status:           "cooldown",
					Error:            fmt.Sprintf("Please wait %d seconds before reverting", remaining),
					RemainingSeconds: remaining,
				}
			}
		}
	}

	stopResult := o.Stop(ctx, challengeID, userID, true)
	if !stopResult.Success {
		return stopResult
	}

	var instance models.ContainerInstance
	if err := o.db.Where("challenge_id = ? AND user_id = ?", challengeID, userID).
		Order("started_at DESC").
		First(&instance).Error; err == nil {
		now := time.Now().UTC()
		instance.LastRevertTime = &now
		if err := o.db.Save(&instance).Error; err != nil {
			o.logger.WithField("instance_id", instance.ID).Errorf("persist revert time: %v", err)
		}
		o.logEvent(&instance, models.EventTypeRevert, "success", "Container reverted by user", clientIP)
	}

	result := o.Start(ctx, challengeID, userID, clientIP, teamID)
	if result.Success && instance.ID != 0 {
		// 冷却时间戳随新实例延续
		var fresh models.ContainerInstance
		if err := o.db.Where("session_id = ?", result.Container.SessionID).First(&fresh).Error; err == nil {
			fresh.LastRevertTime = instance.LastRevertTime
			if err := o.db.Save(&fresh).Error; err != nil {
				o.logger.WithField("instance_id", fresh.ID).Errorf("carry revert time: %v", err)
			}
			view := fresh.ToView(result.Container.ConnectionInfo)
			result.Container = &view
		}
	}
	return result
}

// Status 纯读操作：返回该用户该题目下处于 starting/running 的实例。
// 不做过期清理——那是对账循环的职责，避免请求路径触发竞态和时区问题。
func (o *Orchestrator) Status(ctx context.Context, challengeID, userID uint32) Result {
	var instance models.ContainerInstance
	if err := o.db.Where("challenge_id = ? AND user_id = ? AND status IN ?",
		challengeID, userID, models.ActiveStatuses()).
		First(&instance).Error; err != nil {
		return Result{Success: true, Status: "none"}
	}

	var challenge models.Challenge
	connectionInfo := ""
	if err := o.db.First(&challenge, challengeID).Error; err == nil {
		connectionInfo = renderConnectionInfo(&challenge, instance.HostIP, instance.HostPort)
	}

	view := instance.ToView(connectionInfo)
	return Result{Success: true, Status: string(instance.Status), Container: &view}
}

// ForceCleanup 管理员强制清理：尽力拆除运行时容器后，物理删除实例行
// 及其全部审计事件。普通流程从不硬删，只有这里会。
func (o *Orchestrator) ForceCleanup(ctx context.Context, instanceID uint32) error {
	var instance models.ContainerInstance
	if err := o.db.First(&instance, instanceID).Error; err != nil {
		return fmt.Errorf("instance %d not found: %w", instanceID, err)
	}

	if !strings.HasPrefix(instance.ContainerID, "starting_") {
		if err := o.runtime.StopAndRemove(ctx, instance.ContainerID); err != nil {
			o.logger.WithField("container_id", instance.ShortContainerID()).Warnf("force cleanup teardown: %v", err)
		}
	}
	o.purgeSessionCache(ctx, instance.SessionID)

	if err := o.db.Where("container_instance_id = ?", instance.ID).
		Delete(&models.ContainerEvent{}).Error; err != nil {
		return fmt.Errorf("purge events for instance %d: %w", instance.ID, err)
	}
	if err := o.db.Delete(&instance).Error; err != nil {
		return fmt.Errorf("delete instance %d: %w", instance.ID, err)
	}
	o.logger.WithField("instance_id", instanceID).Info("Instance force-cleaned by admin")
	return nil
}

// ListAllowedImages 列出运行时镜像并按白名单过滤
func (o *Orchestrator) ListAllowedImages(ctx context.Context) ([]RuntimeImage, error) {
	settings, err := models.GetDockerSettings(o.db)
	if err != nil {
		return nil, err
	}
	images, err := o.runtime.ListImages(ctx)
	if err != nil {
		return nil, err
	}
	allowed := make([]RuntimeImage, 0, len(images))
	for _, img := range images {
		if settings.IsImageAllowed(img.Tag) {
			allowed = append(allowed, img)
		}
	}
	return allowed, nil
}

// purgeSessionCache 清理会话关联与动态 Flag 缓存键。键不存在同样算成功
func (o *Orchestrator) purgeSessionCache(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	o.cache.Delete(ctx, cacheKeySession+sessionID)
	o.cache.Delete(ctx, cacheKeyDynamicFlag+sessionID)
}

// logEvent 记录审计事件。记录失败不打断主流程
func (o *Orchestrator) logEvent(instance *models.ContainerInstance, eventType, status, message, ip string) {
	instanceID := instance.ID
	event := models.ContainerEvent{
		ContainerInstanceID: &instanceID,
		ChallengeID:         instance.ChallengeID,
		UserID:              instance.UserID,
		EventType:           eventType,
		Status:              status,
		Message:             message,
		IPAddress:           ip,
		ContainerID:         instance.ContainerID,
		Timestamp:           time.Now().UTC(),
	}
	if err := o.db.Create(&event).Error; err != nil {
		o.logger.WithField("instance_id", instance.ID).Errorf("log container event: %v", err)
	}
}

// cooldownRemaining 返回冷却剩余秒数，不在冷却期返回 0
func cooldownRemaining(instance *models.ContainerInstance, settings *models.DockerSettings, now time.Time) int {
	if instance.LastRevertTime == nil {
		return 0
	}
	cooldownEnd := instance.LastRevertTime.Add(time.Duration(settings.RevertCooldownMinutes) * time.Minute)
	if now.Before(cooldownEnd) {
		return int(cooldownEnd.Sub(now).Seconds())
	}
	return 0
}

// renderConnectionInfo 渲染连接信息模板，未配置模板时回退 http://host:port
func renderConnectionInfo(challenge *models.Challenge, hostIP string, port int) string {
	if challenge.DockerConnectionInfo == "" {
		return fmt.Sprintf("http://%s:%d", hostIP, port)
	}
	info := strings.ReplaceAll(challenge.DockerConnectionInfo, "{host}", hostIP)
	info = strings.ReplaceAll(info, "{port}", fmt.Sprintf("%d", port))
	return info
}
