// file: services/matched_flag.go
package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"CYSCTF/models"
)

// MatchedFlagKind 命中类型标签
type MatchedFlagKind string

const (
	MatchedStatic           MatchedFlagKind = "static"
	MatchedRegex            MatchedFlagKind = "regex"
	MatchedDynamicContainer MatchedFlagKind = "dynamic_container"
)

// MatchedFlag 提交命中结果的带标签联合。每个变体只携带调用方需要的
// 字段，下游不需要做能力探测。
type MatchedFlag struct {
	Kind  MatchedFlagKind `json:"kind"`
	Value string          `json:"value"`

	// 仅 static 变体使用
	CaseInsensitive bool `json:"case_insensitive,omitempty"`

	// 可选的覆盖项
	PointsOverride    *int    `json:"points_override,omitempty"`
	UnlockChallengeID *uint32 `json:"unlock_challenge_id,omitempty"`
}

// MatchSubmission 按 静态 → 正则 → 动态容器 的顺序匹配一次提交。
// 未命中返回 nil；审计归外面的 FlagAuditor，这里只判对错。
func MatchSubmission(ctx context.Context, db *gorm.DB, cache KeyValueStore, challenge *models.Challenge, submitted string, userID uint32, teamID *uint32) *MatchedFlag {
	submitted = strings.TrimSpace(submitted)
	if submitted == "" {
		return nil
	}

	if challenge.Flag != "" && submitted == challenge.Flag {
		return &MatchedFlag{Kind: MatchedStatic, Value: challenge.Flag}
	}

	if challenge.FlagRegex != "" {
		if re, err := regexp.Compile(challenge.FlagRegex); err == nil && re.MatchString(submitted) {
			return &MatchedFlag{Kind: MatchedRegex, Value: challenge.FlagRegex}
		}
	}

	// 动态容器 Flag：优先查归属方映射缓存，缓存过期回退台账持久化副本
	if challenge.DockerFlagPath != "" {
		ownerTag := dynamicOwnerTag(db, challenge.ID, userID, teamID)
		if ownerTag != "" {
			mappingKey := fmt.Sprintf("%s%d:%s", cacheKeyFlagMapping, challenge.ID, ownerTag)
			if expected, ok := cache.Get(ctx, mappingKey); ok && expected == submitted {
				return &MatchedFlag{Kind: MatchedDynamicContainer, Value: expected}
			}
		}
		var instance models.ContainerInstance
		if err := db.Where("challenge_id = ? AND user_id = ? AND dynamic_flag = ?",
			challenge.ID, userID, submitted).
			First(&instance).Error; err == nil {
			return &MatchedFlag{Kind: MatchedDynamicContainer, Value: instance.DynamicFlag}
		}
	}

	return nil
}

// dynamicOwnerTag 还原提交者自己的归属标签（与生成端同一套规则）
func dynamicOwnerTag(db *gorm.DB, challengeID, userID uint32, teamID *uint32) string {
	if teamID != nil {
		return fmt.Sprintf("team_%d", *teamID)
	}
	var instance models.ContainerInstance
	if err := db.Where("challenge_id = ? AND user_id = ?", challengeID, userID).
		Order("created_at DESC").
		First(&instance).Error; err == nil {
		return fmt.Sprintf("user_%d", instance.ID)
	}
	return ""
}
