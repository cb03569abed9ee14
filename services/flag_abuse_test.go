// file: services/flag_abuse_test.go
package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"CYSCTF/models"
)

func newTestAuditor(db *gorm.DB) *FlagAuditor {
	return NewFlagAuditor(db, testLogger())
}

func teamFlag(t *testing.T, challengeID, teamID uint32) string {
	t.Helper()
	cache := newMemStore()
	return GenerateDynamicFlag(context.Background(), cache, &models.Challenge{ID: challengeID},
		OwnerTag(&teamID, 0))
}

func seedTeam(t *testing.T, db *gorm.DB, id uint32) {
	t.Helper()
	require.NoError(t, db.Create(&models.Team{ID: id, TeamName: "team-" + string(rune('a'+id))}).Error)
}

func seedSolve(t *testing.T, db *gorm.DB, challengeID, userID uint32, teamID *uint32, at time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&models.Submission{
		ChallengeID:   challengeID,
		UserID:        userID,
		TeamID:        teamID,
		SubmittedFlag: "CYS{solved}",
		IsCorrect:     true,
		SubmittedAt:   at,
	}).Error)
}

func TestCheckDynamicFlag(t *testing.T) {
	t.Run("OwnTeamFlagIsNotAbuse", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)
		teamID := uint32(12)

		attempt := auditor.CheckDynamicFlag(teamFlag(t, 7, 12), 7, 1, &teamID, "10.0.0.1")
		assert.Nil(t, attempt)

		var count int64
		db.Model(&models.FlagAbuseAttempt{}).Count(&count)
		assert.EqualValues(t, 0, count)
	})

	t.Run("OrdinaryWrongFlagIsIgnored", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)

		assert.Nil(t, auditor.CheckDynamicFlag("CYS{just_a_guess}", 7, 1, nil, ""))
	})

	t.Run("ForeignTeamFlagWithoutSolveIsWarning", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)
		seedTeam(t, db, 12)
		submitterTeam := uint32(5)

		attempt := auditor.CheckDynamicFlag(teamFlag(t, 7, 12), 7, 1, &submitterTeam, "10.0.0.9")
		require.NotNil(t, attempt)
		assert.Equal(t, models.AbuseSeverityWarning, attempt.Severity)
		require.NotNil(t, attempt.ActualTeamID)
		assert.EqualValues(t, 12, *attempt.ActualTeamID)
		assert.Equal(t, "10.0.0.9", attempt.IPAddress)
		assert.Contains(t, attempt.Notes, "belongs to team 12")
		assert.Contains(t, attempt.Notes, "pattern_detected=false")
	})

	t.Run("RecentVictimSolveIsSuspicious", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)
		seedTeam(t, db, 12)
		victimTeam := uint32(12)
		seedSolve(t, db, 7, 99, &victimTeam, time.Now().UTC().Add(-5*time.Minute))

		attempt := auditor.CheckDynamicFlag(teamFlag(t, 7, 12), 7, 1, nil, "")
		require.NotNil(t, attempt)
		assert.Equal(t, models.AbuseSeveritySuspicious, attempt.Severity)
		assert.Contains(t, attempt.Notes, "within the")
	})

	t.Run("StaleVictimSolveIsCritical", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)
		seedTeam(t, db, 12)
		victimTeam := uint32(12)
		seedSolve(t, db, 7, 99, &victimTeam, time.Now().UTC().Add(-2*time.Hour))

		attempt := auditor.CheckDynamicFlag(teamFlag(t, 7, 12), 7, 1, nil, "")
		require.NotNil(t, attempt)
		assert.Equal(t, models.AbuseSeverityCritical, attempt.Severity)
		assert.Contains(t, attempt.Notes, "outside the")
		assert.Contains(t, attempt.Notes, "pattern_detected=false")
	})

	t.Run("RepeatAgainstSameVictimIsCritical", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)
		seedTeam(t, db, 12)
		flag := teamFlag(t, 7, 12)

		first := auditor.CheckDynamicFlag(flag, 7, 1, nil, "")
		require.NotNil(t, first)
		assert.Equal(t, models.AbuseSeverityWarning, first.Severity)

		second := auditor.CheckDynamicFlag(flag, 7, 1, nil, "")
		require.NotNil(t, second)
		assert.Equal(t, models.AbuseSeverityCritical, second.Severity)
		assert.Contains(t, second.Notes, "pattern_detected=true")
		assert.Contains(t, second.Notes, "repeat attempt")
	})

	t.Run("SerialOffenderIsCritical", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)
		for _, teamID := range []uint32{10, 11, 12} {
			seedTeam(t, db, teamID)
			require.NotNil(t, auditor.CheckDynamicFlag(teamFlag(t, 7, teamID), 7, 1, nil, ""))
		}
		seedTeam(t, db, 13)

		attempt := auditor.CheckDynamicFlag(teamFlag(t, 7, 13), 7, 1, nil, "")
		require.NotNil(t, attempt)
		assert.Equal(t, models.AbuseSeverityCritical, attempt.Severity)
		assert.Contains(t, attempt.Notes, "serial offender")
	})

	t.Run("DeletedVictimTeamLeavesNullOwner", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)

		// 队伍 42 不存在（已删除），证据仍要落库
		attempt := auditor.CheckDynamicFlag(teamFlag(t, 7, 42), 7, 1, nil, "")
		require.NotNil(t, attempt)
		assert.Nil(t, attempt.ActualTeamID)
		assert.Contains(t, attempt.Notes, "belongs to team 42")
	})

	t.Run("CrossChallengeFlagIsNoted", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)
		seedTeam(t, db, 12)

		attempt := auditor.CheckDynamicFlag(teamFlag(t, 7, 12), 9, 1, nil, "")
		require.NotNil(t, attempt)
		assert.EqualValues(t, 9, attempt.ChallengeID)
		assert.Contains(t, attempt.Notes, "generated for challenge 7")
	})

	t.Run("UserScopedFlagResolvesOwnerThroughInstance", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)

		instance := models.ContainerInstance{
			ChallengeID: 7,
			UserID:      55,
			ContainerID: "cid-x",
			SessionID:   "sess-x",
			HostPort:    30000,
			Status:      models.ContainerStatusRunning,
			CreatedAt:   time.Now().UTC(),
			ExpiresAt:   time.Now().UTC().Add(15 * time.Minute),
		}
		require.NoError(t, db.Create(&instance).Error)

		cache := newMemStore()
		flag := GenerateDynamicFlag(context.Background(), cache, &models.Challenge{ID: 7}, OwnerTag(nil, instance.ID))

		// 归属用户自己提交：不是共享
		assert.Nil(t, auditor.CheckDynamicFlag(flag, 7, 55, nil, ""))

		// 别人提交：按实例解析出真实归属用户
		attempt := auditor.CheckDynamicFlag(flag, 7, 1, nil, "")
		require.NotNil(t, attempt)
		require.NotNil(t, attempt.ActualUserID)
		assert.EqualValues(t, 55, *attempt.ActualUserID)
	})
}

func TestCheckRegexSharing(t *testing.T) {
	challenge := &models.Challenge{ID: 7, FlagRegex: `^CYS\{user_[a-z]+\}$`}

	t.Run("IdenticalSubmissionFromOtherTeam", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)
		victimTeam := uint32(12)
		require.NoError(t, db.Create(&models.Submission{
			ChallengeID:   7,
			UserID:        99,
			TeamID:        &victimTeam,
			SubmittedFlag: "CYS{user_alpha}",
			IsCorrect:     true,
			SubmittedAt:   time.Now().UTC().Add(-2 * time.Minute),
		}).Error)

		submitterTeam := uint32(5)
		attempt := auditor.CheckRegexSharing("CYS{user_alpha}", challenge, 1, &submitterTeam, "10.0.0.2")
		require.NotNil(t, attempt)
		assert.Contains(t, attempt.Notes, "byte-identical")
		require.NotNil(t, attempt.ActualTeamID)
		assert.EqualValues(t, 12, *attempt.ActualTeamID)
	})

	t.Run("OwnTeamPriorSolveIsNotSharing", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)
		teamID := uint32(5)
		require.NoError(t, db.Create(&models.Submission{
			ChallengeID:   7,
			UserID:        2,
			TeamID:        &teamID,
			SubmittedFlag: "CYS{user_alpha}",
			IsCorrect:     true,
			SubmittedAt:   time.Now().UTC().Add(-2 * time.Minute),
		}).Error)

		assert.Nil(t, auditor.CheckRegexSharing("CYS{user_alpha}", challenge, 1, &teamID, ""))
	})

	t.Run("OldSolvesOutsideWindowAreIgnored", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)
		victimTeam := uint32(12)
		require.NoError(t, db.Create(&models.Submission{
			ChallengeID:   7,
			UserID:        99,
			TeamID:        &victimTeam,
			SubmittedFlag: "CYS{user_alpha}",
			IsCorrect:     true,
			SubmittedAt:   time.Now().UTC().Add(-2 * time.Hour),
		}).Error)

		assert.Nil(t, auditor.CheckRegexSharing("CYS{user_alpha}", challenge, 1, nil, ""))
	})

	t.Run("NonMatchingSubmissionIsIgnored", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)

		assert.Nil(t, auditor.CheckRegexSharing("totally wrong", challenge, 1, nil, ""))
	})

	t.Run("InvalidRegexIsIgnored", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)
		broken := &models.Challenge{ID: 7, FlagRegex: `([`}

		assert.Nil(t, auditor.CheckRegexSharing("anything", broken, 1, nil, ""))
	})
}

func TestAbuseQueries(t *testing.T) {
	t.Run("ListAttemptsFilters", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)
		seedTeam(t, db, 12)
		submitterTeam := uint32(5)

		require.NotNil(t, auditor.CheckDynamicFlag(teamFlag(t, 7, 12), 7, 1, &submitterTeam, ""))
		require.NotNil(t, auditor.CheckDynamicFlag(teamFlag(t, 8, 12), 8, 2, nil, ""))

		byChallenge, err := auditor.ListAttempts(AbuseFilter{ChallengeID: 7})
		require.NoError(t, err)
		require.Len(t, byChallenge, 1)
		assert.EqualValues(t, 1, byChallenge[0].UserID)

		byTeam, err := auditor.ListAttempts(AbuseFilter{TeamID: 5})
		require.NoError(t, err)
		require.Len(t, byTeam, 1)

		bySeverity, err := auditor.ListAttempts(AbuseFilter{Severity: models.AbuseSeverityCritical})
		require.NoError(t, err)
		assert.Empty(t, bySeverity)
	})

	t.Run("RepeatOffenders", func(t *testing.T) {
		db := newTestDB(t)
		auditor := newTestAuditor(db)
		seedTeam(t, db, 12)
		offenderTeam := uint32(5)

		for _, challengeID := range []uint32{7, 8, 9} {
			require.NotNil(t, auditor.CheckDynamicFlag(teamFlag(t, challengeID, 12), challengeID, 1, &offenderTeam, ""))
		}

		offenders, err := auditor.RepeatOffenders(3)
		require.NoError(t, err)
		require.Len(t, offenders, 1)
		assert.EqualValues(t, 5, offenders[0].TeamID)
		assert.EqualValues(t, 3, offenders[0].Count)
		assert.False(t, offenders[0].LastSeen.IsZero())

		none, err := auditor.RepeatOffenders(4)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
