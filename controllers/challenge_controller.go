// file: controllers/challenge_controller.go
package controllers

import (
	"time"

	"github.com/gin-gonic/gin"

	"CYSCTF/database"
	"CYSCTF/dto"
	"CYSCTF/models"
	"CYSCTF/services"
	"CYSCTF/utils"
)

// SubmitFlag 提交 Flag。匹配顺序：静态 → 正则 → 动态容器；
// 未命中时交给审计器甄别是否提交了别人的动态 Flag，审计只留证据
// 不改变判题结果。
func SubmitFlag(c *gin.Context) {
	var req dto.SubmitFlagReq
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Error(c, 4001, "请求参数错误")
		return
	}
	userID, teamID := currentIdentity(c)

	var challenge models.Challenge
	if err := database.DB.First(&challenge, req.ChallengeID).Error; err != nil {
		utils.Error(c, 4004, "题目不存在")
		return
	}

	matched := services.MatchSubmission(c.Request.Context(), database.DB, services.DefaultCache,
		&challenge, req.Flag, userID, teamID)

	submission := models.Submission{
		UserID:        userID,
		TeamID:        teamID,
		ChallengeID:   challenge.ID,
		SubmittedFlag: req.Flag,
		IsCorrect:     matched != nil,
		SubmittedAt:   time.Now().UTC(),
	}
	if err := database.DB.Create(&submission).Error; err != nil {
		services.Logger.Errorf("persist submission: %v", err)
	}

	if matched == nil {
		services.DefaultAuditor.CheckDynamicFlag(req.Flag, challenge.ID, userID, teamID, c.ClientIP())
		utils.Success(c, "Flag 错误", gin.H{"correct": false})
		return
	}

	// 正则题命中后仍要比对其他队伍近期的正确提交
	if matched.Kind == services.MatchedRegex {
		services.DefaultAuditor.CheckRegexSharing(req.Flag, &challenge, userID, teamID, c.ClientIP())
	}

	utils.Success(c, "Flag 正确", gin.H{"correct": true, "kind": matched.Kind})
}
