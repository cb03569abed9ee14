// file: services/flag_abuse.go
package services

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"CYSCTF/models"
)

// FlagAuditor 反作弊审计器：识别提交了别人动态 Flag 或复用他队正则
// Flag 的行为，只留证据，从不拦截提交本身。
type FlagAuditor struct {
	db     *gorm.DB
	logger *logrus.Logger

	// SolveWindow 归属方解题时间与共享提交的比对窗口
	SolveWindow time.Duration
	// SerialOffenderThreshold 提交者累计被标记次数达到该值即升级 critical
	SerialOffenderThreshold int
}

func NewFlagAuditor(db *gorm.DB, logger *logrus.Logger) *FlagAuditor {
	if logger == nil {
		logger = logrus.New()
	}
	return &FlagAuditor{
		db:                      db,
		logger:                  logger,
		SolveWindow:             30 * time.Minute,
		SerialOffenderThreshold: 3,
	}
}

// CheckDynamicFlag 检查一次提交是否为他人的动态 Flag。
// 由提交处理流程在常规校验失败后调用；不是动态 Flag 或归属方就是
// 提交者本人时返回 nil，否则落一条证据并返回。
func (a *FlagAuditor) CheckDynamicFlag(submitted string, challengeID, userID uint32, teamID *uint32, ip string) *models.FlagAbuseAttempt {
	parsed := ParseDynamicFlag(submitted)
	if parsed == nil || !parsed.IsValid {
		return nil
	}

	var actualTeamID, actualUserID *uint32
	var notes []string

	if parsed.IsTeamFlag {
		if teamID != nil && *teamID == *parsed.TeamID {
			return nil // 自己队伍的 Flag，不是共享
		}
		// 归属队伍可能已被删除，删除后证据仍保留但归属置空
		var team models.Team
		if err := a.db.First(&team, *parsed.TeamID).Error; err == nil {
			actualTeamID = parsed.TeamID
		}
		notes = append(notes, fmt.Sprintf("dynamic flag belongs to team %d", *parsed.TeamID))
	} else {
		ownerUserID := a.resolveUserFlagOwner(*parsed.UserID)
		if ownerUserID != nil && *ownerUserID == userID {
			return nil
		}
		actualUserID = ownerUserID
		notes = append(notes, fmt.Sprintf("dynamic flag belongs to user tag %d", *parsed.UserID))
	}
	if parsed.ChallengeID != challengeID {
		notes = append(notes, fmt.Sprintf("flag was generated for challenge %d", parsed.ChallengeID))
	}

	return a.record(submitted, challengeID, userID, teamID, actualTeamID, actualUserID, ip, notes)
}

// resolveUserFlagOwner user_<id> 标签里的 id 是实例 ID（无队伍用户的
// 回退编码），先按实例解析，实例没了再按用户 ID 兜底
func (a *FlagAuditor) resolveUserFlagOwner(tagID uint32) *uint32 {
	var instance models.ContainerInstance
	if err := a.db.First(&instance, tagID).Error; err == nil {
		owner := instance.UserID
		return &owner
	}
	var user models.User
	if err := a.db.First(&user, tagID).Error; err == nil {
		owner := user.ID
		return &owner
	}
	return nil
}

// CheckRegexSharing 检查一次命中题目正则的提交是否复用了其他队伍
// 近期的正确提交：完全一致，或两个不同字符串命中同一正则（后者抓
// 轻微改动后的共享）。
func (a *FlagAuditor) CheckRegexSharing(submitted string, challenge *models.Challenge, userID uint32, teamID *uint32, ip string) *models.FlagAbuseAttempt {
	if challenge.FlagRegex == "" {
		return nil
	}
	re, err := regexp.Compile(challenge.FlagRegex)
	if err != nil {
		a.logger.WithField("challenge_id", challenge.ID).Warnf("invalid flag regex: %v", err)
		return nil
	}
	if !re.MatchString(submitted) {
		return nil
	}

	since := time.Now().UTC().Add(-a.SolveWindow)
	var prior []models.Submission
	query := a.db.Where("challenge_id = ? AND is_correct = ? AND submitted_at > ?", challenge.ID, true, since)
	if teamID != nil {
		query = query.Where("team_id IS NULL OR team_id <> ?", *teamID)
	} else {
		query = query.Where("user_id <> ?", userID)
	}
	if err := query.Order("submitted_at DESC").Find(&prior).Error; err != nil {
		a.logger.Errorf("query prior submissions: %v", err)
		return nil
	}

	for i := range prior {
		sub := &prior[i]
		var notes []string
		switch {
		case sub.SubmittedFlag == submitted:
			notes = append(notes, "byte-identical to another owner's correct submission")
		case re.MatchString(sub.SubmittedFlag):
			notes = append(notes, "matches the same flag pattern as another owner's correct submission")
		default:
			continue
		}
		return a.record(submitted, challenge.ID, userID, teamID, sub.TeamID, &sub.UserID, ip, notes)
	}
	return nil
}

// record 定级并持久化一条证据
func (a *FlagAuditor) record(submitted string, challengeID, userID uint32, teamID, actualTeamID, actualUserID *uint32, ip string, notes []string) *models.FlagAbuseAttempt {
	now := time.Now().UTC()

	// 同一提交者针对同一受害方的历史标记次数
	var samePair int64
	pairQuery := a.db.Model(&models.FlagAbuseAttempt{}).Where("user_id = ?", userID)
	if actualTeamID != nil {
		pairQuery = pairQuery.Where("actual_team_id = ?", *actualTeamID)
	} else if actualUserID != nil {
		pairQuery = pairQuery.Where("actual_user_id = ?", *actualUserID)
	}
	pairQuery.Count(&samePair)

	// 提交者累计被标记总次数
	var total int64
	a.db.Model(&models.FlagAbuseAttempt{}).Where("user_id = ?", userID).Count(&total)

	// 受害方最近一次解出该题的时间
	var solveAge time.Duration
	hasSolve := false
	var solve models.Submission
	solveQuery := a.db.Where("challenge_id = ? AND is_correct = ?", challengeID, true)
	if actualTeamID != nil {
		solveQuery = solveQuery.Where("team_id = ?", *actualTeamID)
	} else if actualUserID != nil {
		solveQuery = solveQuery.Where("user_id = ?", *actualUserID)
	} else {
		solveQuery = solveQuery.Where("1 = 0")
	}
	if err := solveQuery.Order("submitted_at DESC").First(&solve).Error; err == nil {
		solveAge = now.Sub(solve.SubmittedAt)
		hasSolve = true
	}

	severity, patternDetected := a.classify(samePair, total, solveAge, hasSolve)

	switch {
	case patternDetected:
		notes = append(notes, fmt.Sprintf("repeat attempt against the same victim (%d prior)", samePair))
	case total >= int64(a.SerialOffenderThreshold):
		notes = append(notes, fmt.Sprintf("serial offender: %d prior flagged attempts", total))
	}
	if hasSolve {
		if solveAge > a.SolveWindow {
			notes = append(notes, fmt.Sprintf("victim solved %s ago, outside the %s window", solveAge.Round(time.Second), a.SolveWindow))
		} else {
			notes = append(notes, fmt.Sprintf("victim solved %s ago, within the %s window", solveAge.Round(time.Second), a.SolveWindow))
		}
	}
	notes = append(notes, fmt.Sprintf("pattern_detected=%t", patternDetected))

	attempt := models.FlagAbuseAttempt{
		UserID:        userID,
		TeamID:        teamID,
		ChallengeID:   challengeID,
		SubmittedFlag: submitted,
		ActualTeamID:  actualTeamID,
		ActualUserID:  actualUserID,
		IPAddress:     ip,
		Timestamp:     now,
		Severity:      severity,
		Notes:         strings.Join(notes, "; "),
	}
	if err := a.db.Create(&attempt).Error; err != nil {
		a.logger.Errorf("persist flag abuse attempt: %v", err)
		return nil
	}

	a.logger.WithFields(logrus.Fields{
		"user_id":      userID,
		"challenge_id": challengeID,
		"severity":     severity,
	}).Warn("Flag sharing attempt recorded")
	return &attempt
}

// classify 定级规则（按优先级）：
//  1. 对同一受害方的重复标记 → critical（确认的共享模式）
//  2. 提交者累计标记达到阈值 → critical（惯犯）
//  3. 受害方解题已超出窗口 → critical（过期的归属 Flag 只能来自人为传递）
//  4. 窗口内 → suspicious
//  5. 查不到解题记录 → warning
func (a *FlagAuditor) classify(samePair, total int64, solveAge time.Duration, hasSolve bool) (string, bool) {
	if samePair >= 1 {
		return models.AbuseSeverityCritical, true
	}
	if total >= int64(a.SerialOffenderThreshold) {
		return models.AbuseSeverityCritical, false
	}
	if hasSolve {
		if solveAge > a.SolveWindow {
			return models.AbuseSeverityCritical, false
		}
		return models.AbuseSeveritySuspicious, false
	}
	return models.AbuseSeverityWarning, false
}

// AbuseFilter 证据查询过滤条件
type AbuseFilter struct {
	ChallengeID uint32
	TeamID      uint32
	Severity    string
	Limit       int
}

// ListAttempts 按条件查询证据记录
func (a *FlagAuditor) ListAttempts(filter AbuseFilter) ([]models.FlagAbuseAttempt, error) {
	query := a.db.Model(&models.FlagAbuseAttempt{}).Order("timestamp DESC")
	if filter.ChallengeID != 0 {
		query = query.Where("challenge_id = ?", filter.ChallengeID)
	}
	if filter.TeamID != 0 {
		query = query.Where("team_id = ?", filter.TeamID)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var attempts []models.FlagAbuseAttempt
	if err := query.Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

// RepeatOffender 按队伍聚合的惯犯视图
type RepeatOffender struct {
	TeamID   uint32    `json:"team_id"`
	Count    int64     `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// RepeatOffenders 聚合标记次数达到阈值的队伍及其最近一次记录时间
func (a *FlagAuditor) RepeatOffenders(minCount int) ([]RepeatOffender, error) {
	if minCount <= 0 {
		minCount = a.SerialOffenderThreshold
	}
	var offenders []RepeatOffender
	err := a.db.Model(&models.FlagAbuseAttempt{}).
		Select("team_id, COUNT(*) AS count, MAX(timestamp) AS last_seen").
		Where("team_id IS NOT NULL").
		Group("team_id").
		Having("COUNT(*) >= ?", minCount).
		Order("count DESC").
		Scan(&offenders).Error
	if err != nil {
		return nil, err
	}
	return offenders, nil
}
