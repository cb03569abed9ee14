// file: controllers/container_controller.go
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

// currentIdentity 从中间件注入的上下文取出提交者身份。
// Token 签发后加入队伍的用户 claims 里没有 team_id，回退查队伍成员表
func currentIdentity(c *gin.Context) (uint32, *uint32) {
	userIDAny, _ := c.Get("user_id")
	userID, _ := userIDAny.(uint32)
	if v, ok := c.Get("team_id"); ok {
		if id, ok := v.(uint32); ok {
			return userID, &id
		}
	}
	var member models.TeamMember
	if err := database.DB.Where("user_id = ?", userID).First(&member).Error; err == nil {
		return userID, &member.TeamID
	}
	return userID, nil
}

// StartContainer 启动当前用户的题目容器
func StartContainer(c *gin.Context) {
	var req dto.ContainerActionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, 4001, "请求参数错误")
		return
	}
	userID, teamID := currentIdentity(c)

	result := services.DefaultOrchestrator.Start(c.Request.Context(), req.ChallengeID, userID, c.ClientIP(), teamID)
	if !result.Success {
		utils.Success(c, result.Error, result)
		return
	}
	utils.Success(c, "容器启动成功", result)
}

// StopContainer 停止当前用户的题目容器
func StopContainer(c *gin.Context) {
	var req dto.ContainerActionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, 4001, "请求参数错误")
		return
	}
	userID, _ := currentIdentity(c)

	result := services.DefaultOrchestrator.Stop(c.Request.Context(), req.ChallengeID, userID, false)
	if !result.Success {
		utils.Success(c, result.Error, result)
		return
	}
	utils.Success(c, "容器已停止", result)
}

// RevertContainer 重置当前用户的题目容器（强停后立即重启）
func RevertContainer(c *gin.Context) {
	var req dto.ContainerActionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, 4001, "请求参数错误")
		return
	}
	userID, teamID := currentIdentity(c)

	result := services.DefaultOrchestrator.Revert(c.Request.Context(), req.ChallengeID, userID, c.ClientIP(), teamID)
	if !result.Success {
		utils.Success(c, result.Error, result)
		return
	}
	utils.Success(c, "容器已重置", result)
}

// GetContainerStatus 查询当前用户在某题目下的容器状态
func GetContainerStatus(c *gin.Context) {
	challengeID, err := strconv.ParseUint(c.Query("challenge_id"), 10, 32)
	if err != nil {
		utils.Error(c, 4001, "请求参数错误")
		return
	}
	userID, _ := currentIdentity(c)

	result := services.DefaultOrchestrator.Status(c.Request.Context(), uint32(challengeID), userID)
	utils.Success(c, "查询成功", result)
}
