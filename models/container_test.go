// file: models/container_test.go
package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to ContainerStatus }{
		{ContainerStatusStarting, ContainerStatusRunning},
		{ContainerStatusStarting, ContainerStatusStopping},
		{ContainerStatusStarting, ContainerStatusStopped},
		{ContainerStatusStarting, ContainerStatusError},
		{ContainerStatusRunning, ContainerStatusStopping},
		{ContainerStatusRunning, ContainerStatusStopped},
		{ContainerStatusRunning, ContainerStatusError},
		{ContainerStatusStopping, ContainerStatusStopped},
		{ContainerStatusStopping, ContainerStatusError},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to ContainerStatus }{
		{ContainerStatusStopped, ContainerStatusRunning},
		{ContainerStatusStopped, ContainerStatusStarting},
		{ContainerStatusError, ContainerStatusRunning},
		{ContainerStatusError, ContainerStatusStopped},
		{ContainerStatusRunning, ContainerStatusStarting},
		{ContainerStatusStopping, ContainerStatusRunning},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionTo(t *testing.T) {
	ci := &ContainerInstance{Status: ContainerStatusStarting}
	require.NoError(t, ci.TransitionTo(ContainerStatusRunning))
	assert.Equal(t, ContainerStatusRunning, ci.Status)

	err := ci.TransitionTo(ContainerStatusStarting)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal container transition")
	// 失败的迁移不改状态
	assert.Equal(t, ContainerStatusRunning, ci.Status)
}

func TestIsActive(t *testing.T) {
	for _, status := range ActiveStatuses() {
		ci := &ContainerInstance{Status: status}
		assert.True(t, ci.IsActive(), status)
	}
	for _, status := range []ContainerStatus{ContainerStatusStopping, ContainerStatusStopped, ContainerStatusError} {
		ci := &ContainerInstance{Status: status}
		assert.False(t, ci.IsActive(), status)
	}
}

func TestIsExpired(t *testing.T) {
	fresh := &ContainerInstance{ExpiresAt: time.Now().UTC().Add(time.Minute)}
	assert.False(t, fresh.IsExpired())

	stale := &ContainerInstance{ExpiresAt: time.Now().UTC().Add(-time.Minute)}
	assert.True(t, stale.IsExpired())
}

func TestShortContainerID(t *testing.T) {
	long := &ContainerInstance{ContainerID: strings.Repeat("ab", 32)}
	assert.Len(t, long.ShortContainerID(), 12)

	short := &ContainerInstance{ContainerID: "starting_abc"}
	assert.Equal(t, "starting_abc", short.ShortContainerID())
}

func TestToView(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	expires := started.Add(15 * time.Minute)
	teamID := uint32(12)
	ci := &ContainerInstance{
		ID:            3,
		ChallengeID:   7,
		UserID:        1,
		TeamID:        &teamID,
		ContainerID:   strings.Repeat("cd", 32),
		ContainerName: "ctf-challenge-user1-chal7-abc",
		Status:        ContainerStatusRunning,
		SessionID:     "abc",
		HostIP:        "docker.test",
		HostPort:      30005,
		CreatedAt:     started,
		StartedAt:     &started,
		ExpiresAt:     expires,
	}

	v := ci.ToView("nc docker.test 30005")
	assert.Equal(t, "nc docker.test 30005", v.ConnectionInfo)
	assert.Len(t, v.ContainerID, 12)
	assert.Equal(t, "running", v.Status)
	assert.Equal(t, expires.UnixMilli(), v.ExpiresAtMS)
	assert.Equal(t, started.Format(time.RFC3339), v.StartedAt)
	assert.Empty(t, v.LastRevertTime)
}
