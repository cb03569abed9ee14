// file: services/reconciler_test.go
package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CYSCTF/models"
)

func newTestReconciler(env *testEnv) *Reconciler {
	return NewReconciler(env.db, env.runtime, env.cache, testLogger(), time.Minute)
}

func TestReconcilerSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("MarksMissingContainerStopped", func(t *testing.T) {
		env := newTestEnv(t)
		seedSettings(t, env.db, nil)
		challenge := seedChallenge(t, env.db, nil)
		start := env.orch.Start(ctx, challenge.ID, 1, "", nil)
		require.True(t, start.Success)

		var instance models.ContainerInstance
		require.NoError(t, env.db.Where("session_id = ?", start.Container.SessionID).First(&instance).Error)

		// 容器在 Docker 侧被手动删除
		delete(env.runtime.containers, instance.ContainerID)

		newTestReconciler(env).Sweep(ctx)

		require.NoError(t, env.db.First(&instance, instance.ID).Error)
		assert.Equal(t, models.ContainerStatusStopped, instance.Status)
		assert.Contains(t, instance.ErrorMessage, "not found in Docker")
		require.NotNil(t, instance.StoppedAt)

		var event models.ContainerEvent
		require.NoError(t, env.db.Where("container_instance_id = ? AND event_type = ?",
			instance.ID, models.EventTypeError).First(&event).Error)

		_, ok := env.cache.Get(ctx, cacheKeySession+instance.SessionID)
		assert.False(t, ok)
	})

	t.Run("MarksExitedContainerStopped", func(t *testing.T) {
		env := newTestEnv(t)
		seedSettings(t, env.db, nil)
		challenge := seedChallenge(t, env.db, nil)
		start := env.orch.Start(ctx, challenge.ID, 1, "", nil)
		require.True(t, start.Success)

		var instance models.ContainerInstance
		require.NoError(t, env.db.Where("session_id = ?", start.Container.SessionID).First(&instance).Error)
		env.runtime.setState(instance.ContainerID, "exited")

		newTestReconciler(env).Sweep(ctx)

		require.NoError(t, env.db.First(&instance, instance.ID).Error)
		assert.Equal(t, models.ContainerStatusStopped, instance.Status)
		assert.Contains(t, instance.ErrorMessage, "exited")
	})

	t.Run("StopsExpiredContainer", func(t *testing.T) {
		env := newTestEnv(t)
		seedSettings(t, env.db, nil)
		challenge := seedChallenge(t, env.db, nil)
		start := env.orch.Start(ctx, challenge.ID, 1, "", nil)
		require.True(t, start.Success)

		var instance models.ContainerInstance
		require.NoError(t, env.db.Where("session_id = ?", start.Container.SessionID).First(&instance).Error)
		past := time.Now().UTC().Add(-time.Minute)
		require.NoError(t, env.db.Model(&instance).Update("expires_at", past).Error)

		newTestReconciler(env).Sweep(ctx)

		require.NoError(t, env.db.First(&instance, instance.ID).Error)
		assert.Equal(t, models.ContainerStatusStopped, instance.Status)
		assert.NotContains(t, env.runtime.containers, instance.ContainerID)

		var event models.ContainerEvent
		require.NoError(t, env.db.Where("container_instance_id = ? AND event_type = ?",
			instance.ID, models.EventTypeExpire).First(&event).Error)

		// 配额随之释放
		other := seedChallenge(t, env.db, nil)
		assert.True(t, env.orch.Start(ctx, other.ID, 1, "", nil).Success)
	})

	t.Run("LeavesHealthyContainerAlone", func(t *testing.T) {
		env := newTestEnv(t)
		seedSettings(t, env.db, nil)
		challenge := seedChallenge(t, env.db, nil)
		start := env.orch.Start(ctx, challenge.ID, 1, "", nil)
		require.True(t, start.Success)

		newTestReconciler(env).Sweep(ctx)

		var instance models.ContainerInstance
		require.NoError(t, env.db.Where("session_id = ?", start.Container.SessionID).First(&instance).Error)
		assert.Equal(t, models.ContainerStatusRunning, instance.Status)
		assert.Contains(t, env.runtime.containers, instance.ContainerID)
	})

	t.Run("EnforcesStoppedIntent", func(t *testing.T) {
		env := newTestEnv(t)
		seedSettings(t, env.db, nil)
		challenge := seedChallenge(t, env.db, nil)
		start := env.orch.Start(ctx, challenge.ID, 1, "", nil)
		require.True(t, start.Success)

		var instance models.ContainerInstance
		require.NoError(t, env.db.Where("session_id = ?", start.Container.SessionID).First(&instance).Error)

		// 台账判停但运行时侧停止失败，容器还在跑
		require.NoError(t, env.db.Model(&instance).Update("status", models.ContainerStatusStopped).Error)
		require.Contains(t, env.runtime.containers, instance.ContainerID)

		newTestReconciler(env).Sweep(ctx)

		assert.NotContains(t, env.runtime.containers, instance.ContainerID)
	})

	t.Run("IgnoresTerminalRows", func(t *testing.T) {
		env := newTestEnv(t)
		seedSettings(t, env.db, func(s *models.DockerSettings) {
			s.MaxContainersPerUser = 2
		})
		a := seedChallenge(t, env.db, nil)
		b := seedChallenge(t, env.db, nil)
		startA := env.orch.Start(ctx, a.ID, 1, "", nil)
		require.True(t, startA.Success)
		startB := env.orch.Start(ctx, b.ID, 1, "", nil)
		require.True(t, startB.Success)

		var rowA, rowB models.ContainerInstance
		require.NoError(t, env.db.Where("session_id = ?", startA.Container.SessionID).First(&rowA).Error)
		require.NoError(t, env.db.Where("session_id = ?", startB.Container.SessionID).First(&rowB).Error)

		// 第一行已是 error 终态，不在对账范围内；第二行仍须处理
		require.NoError(t, env.db.Model(&rowA).Update("status", models.ContainerStatusError).Error)
		delete(env.runtime.containers, rowB.ContainerID)

		newTestReconciler(env).Sweep(ctx)

		require.NoError(t, env.db.First(&rowA, rowA.ID).Error)
		assert.Equal(t, models.ContainerStatusError, rowA.Status)
		require.NoError(t, env.db.First(&rowB, rowB.ID).Error)
		assert.Equal(t, models.ContainerStatusStopped, rowB.Status)
	})
}

func TestReconcilerRun(t *testing.T) {
	env := newTestEnv(t)
	seedSettings(t, env.db, nil)

	r := NewReconciler(env.db, env.runtime, env.cache, testLogger(), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after context cancellation")
	}
}
