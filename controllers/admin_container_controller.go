// file: controllers/admin_container_controller.go
package controllers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"CYSCTF/database"
	"CYSCTF/dto"
	"CYSCTF/models"
	"CYSCTF/services"
	"CYSCTF/utils"
)

func queryUint32(c *gin.Context, key string) uint32 {
	v, err := strconv.ParseUint(c.Query(key), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

func queryInt(c *gin.Context, key, fallback string) int {
	v, err := strconv.Atoi(c.DefaultQuery(key, fallback))
	if err != nil {
		return 0
	}
	return v
}

// AdminListContainers 列出容器实例，支持按状态过滤
func AdminListContainers(c *gin.Context) {
	query := database.DB.Model(&models.ContainerInstance{}).Order("created_at DESC")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if challengeID := queryUint32(c, "challenge_id"); challengeID != 0 {
		query = query.Where("challenge_id = ?", challengeID)
	}
	var instances []models.ContainerInstance
	if err := query.Limit(queryInt(c, "limit", "100")).Find(&instances).Error; err != nil {
		utils.Error(c, 5001, "查询容器实例失败")
		return
	}
	views := make([]models.ContainerView, 0, len(instances))
	for i := range instances {
		views = append(views, instances[i].ToView(""))
	}
	utils.Success(c, "查询成功", views)
}

// AdminListContainerEvents 查询容器审计事件，可按题目/用户/队伍过滤
func AdminListContainerEvents(c *gin.Context) {
	query := database.DB.Model(&models.ContainerEvent{}).Order("timestamp DESC")
	if challengeID := queryUint32(c, "challenge_id"); challengeID != 0 {
		query = query.Where("challenge_id = ?", challengeID)
	}
	if userID := queryUint32(c, "user_id"); userID != 0 {
		query = query.Where("user_id = ?", userID)
	}
	// 事件表不存队伍，按队伍过滤时先换算成该队实例 ID 集合
	if teamID := queryUint32(c, "team_id"); teamID != 0 {
		var instanceIDs []uint32
		database.DB.Model(&models.ContainerInstance{}).
			Where("team_id = ?", teamID).
			Pluck("id", &instanceIDs)
		if len(instanceIDs) == 0 {
			utils.Success(c, "查询成功", []models.EventView{})
			return
		}
		query = query.Where("container_instance_id IN ?", instanceIDs)
	}

	var events []models.ContainerEvent
	if err := query.Limit(queryInt(c, "limit", "100")).Find(&events).Error; err != nil {
		utils.Error(c, 5001, "查询审计事件失败")
		return
	}
	views := make([]models.EventView, 0, len(events))
	for i := range events {
		views = append(views, events[i].ToView())
	}
	utils.Success(c, "查询成功", views)
}

// AdminListAbuseAttempts 查询 Flag 共享证据记录
func AdminListAbuseAttempts(c *gin.Context) {
	attempts, err := services.DefaultAuditor.ListAttempts(services.AbuseFilter{
		ChallengeID: queryUint32(c, "challenge_id"),
		TeamID:      queryUint32(c, "team_id"),
		Severity:    c.Query("severity"),
		Limit:       queryInt(c, "limit", "100"),
	})
	if err != nil {
		utils.Error(c, 5001, "查询作弊记录失败")
		return
	}
	views := make([]models.AbuseAttemptView, 0, len(attempts))
	for i := range attempts {
		views = append(views, attempts[i].ToView())
	}
	utils.Success(c, "查询成功", views)
}

// AdminRepeatOffenders 查询被多次标记的队伍
func AdminRepeatOffenders(c *gin.Context) {
	offenders, err := services.DefaultAuditor.RepeatOffenders(queryInt(c, "min_count", "0"))
	if err != nil {
		utils.Error(c, 5001, "查询惯犯队伍失败")
		return
	}
	utils.Success(c, "查询成功", offenders)
}

// AdminForceCleanup 强制清理一个容器实例（物理删除台账行及其事件）
func AdminForceCleanup(c *gin.Context) {
	instanceID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		utils.Error(c, 4001, "请求参数错误")
		return
	}
	if err := services.DefaultOrchestrator.ForceCleanup(c.Request.Context(), uint32(instanceID)); err != nil {
		utils.Error(c, 5001, "强制清理失败: "+err.Error())
		return
	}
	utils.Success(c, "清理成功", nil)
}

// AdminListImages 列出 Docker 主机上符合白名单的镜像
func AdminListImages(c *gin.Context) {
	images, err := services.DefaultOrchestrator.ListAllowedImages(c.Request.Context())
	if err != nil {
		utils.Error(c, 5001, "获取镜像列表失败: "+err.Error())
		return
	}
	utils.Success(c, "查询成功", images)
}

// AdminGetDockerSettings 查询容器策略配置
func AdminGetDockerSettings(c *gin.Context) {
	settings, err := models.GetDockerSettings(database.DB)
	if err != nil {
		utils.Error(c, 5001, "读取配置失败")
		return
	}
	utils.Success(c, "查询成功", settings)
}

// AdminUpdateDockerSettings 更新容器策略配置。连接相关字段变更后
// 重建运行时客户端，下一次容器操作使用新配置。
func AdminUpdateDockerSettings(c *gin.Context) {
	var req dto.DockerSettingsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, 4001, "请求参数错误")
		return
	}
	settings, err := models.GetDockerSettings(database.DB)
	if err != nil {
		utils.Error(c, 5001, "读取配置失败")
		return
	}

	if req.Hostname != nil {
		settings.Hostname = *req.Hostname
	}
	if req.TLSEnabled != nil {
		settings.TLSEnabled = *req.TLSEnabled
	}
	if req.CACert != nil {
		settings.CACert = *req.CACert
	}
	if req.ClientCert != nil {
		settings.ClientCert = *req.ClientCert
	}
	if req.ClientKey != nil {
		settings.ClientKey = *req.ClientKey
	}
	if req.AllowedRepositories != nil {
		settings.AllowedRepositories = *req.AllowedRepositories
	}
	if req.MaxContainersPerUser != nil {
		settings.MaxContainersPerUser = *req.MaxContainersPerUser
	}
	if req.ContainerLifetimeMinutes != nil {
		settings.ContainerLifetimeMinutes = *req.ContainerLifetimeMinutes
	}
	if req.RevertCooldownMinutes != nil {
		settings.RevertCooldownMinutes = *req.RevertCooldownMinutes
	}
	if req.PortRangeStart != nil {
		settings.PortRangeStart = *req.PortRangeStart
	}
	if req.PortRangeEnd != nil {
		settings.PortRangeEnd = *req.PortRangeEnd
	}
	if req.MaxCPUPercent != nil {
		settings.MaxCPUPercent = *req.MaxCPUPercent
	}
	if req.MaxMemoryMB != nil {
		settings.MaxMemoryMB = *req.MaxMemoryMB
	}
	if req.AutoCleanupExpired != nil {
		settings.AutoCleanupExpired = *req.AutoCleanupExpired
	}
	if req.CleanupIntervalMinutes != nil {
		settings.CleanupIntervalMinutes = *req.CleanupIntervalMinutes
	}

	if err := database.DB.Save(settings).Error; err != nil {
		utils.Error(c, 5001, "保存配置失败")
		return
	}
	services.DefaultOrchestrator.Reinitialize()
	utils.Success(c, "配置已更新", settings)
}

// AdminTestDockerConnection 测试当前配置能否连通 Docker 主机
func AdminTestDockerConnection(c *gin.Context) {
	if err := services.DefaultRuntime.Ping(c.Request.Context()); err != nil {
		utils.Error(c, 5001, "Docker 连接失败: "+err.Error())
		return
	}
	utils.Success(c, "Docker 连接正常", gin.H{"host": services.DefaultRuntime.Host()})
}
