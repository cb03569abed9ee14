// file: services/support_test.go
package services

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"CYSCTF/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Challenge{},
		&models.ContainerInstance{},
		&models.ContainerEvent{},
		&models.DockerSettings{},
		&models.FlagAbuseAttempt{},
		&models.Submission{},
		&models.Team{},
		&models.TeamMember{},
		&models.User{},
	))
	return db
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func seedSettings(t *testing.T, db *gorm.DB, mutate func(*models.DockerSettings)) *models.DockerSettings {
	t.Helper()
	settings, err := models.GetDockerSettings(db)
	require.NoError(t, err)
	if mutate != nil {
		mutate(settings)
		require.NoError(t, db.Save(settings).Error)
	}
	return settings
}

func seedChallenge(t *testing.T, db *gorm.DB, mutate func(*models.Challenge)) *models.Challenge {
	t.Helper()
	challenge := &models.Challenge{
		ChallengeName:  fmt.Sprintf("web-pwn-%d", time.Now().UnixNano()),
		Flag:           "CYS{static_flag}",
		DockerEnabled:  true,
		DockerImage:    "ctf-web-pwn:latest",
		DockerPort:     80,
		DockerFlagPath: "/flag",
	}
	if mutate != nil {
		mutate(challenge)
	}
	require.NoError(t, db.Create(challenge).Error)
	return challenge
}

// fakeRuntime 内存版 ContainerRuntime，记录全部调用供断言
type fakeRuntime struct {
	mu sync.Mutex

	nextID     int
	containers map[string]*RuntimeContainer
	images     map[string]bool

	createErr error
	stopErr   error

	pulled   []string
	removed  []string
	archives map[string][]byte
	execs    [][]string

	reinitCount int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*RuntimeContainer),
		images:     map[string]bool{"ctf-web-pwn:latest": true},
		archives:   make(map[string][]byte),
	}
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *fakeRuntime) CreateAndStart(ctx context.Context, spec CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	if !f.images[spec.Image] {
		return "", fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
	}
	f.nextID++
	id := fmt.Sprintf("cid-%04d", f.nextID)
	f.containers[id] = &RuntimeContainer{ID: id, Name: "/" + spec.Name, State: "running"}
	return id, nil
}

func (f *fakeRuntime) StopAndRemove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	delete(f.containers, containerID)
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	f.images[image] = true
	return nil
}

func (f *fakeRuntime) ListPlatformContainers(ctx context.Context) ([]RuntimeContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RuntimeContainer, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeRuntime) PutArchive(ctx context.Context, containerID string, archive io.Reader) error {
	data, err := io.ReadAll(archive)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archives[containerID] = data
	return nil
}

func (f *fakeRuntime) ExecQuiet(ctx context.Context, containerID string, cmd []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, append([]string{containerID}, cmd...))
}

func (f *fakeRuntime) ListImages(ctx context.Context) ([]RuntimeImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RuntimeImage, 0, len(f.images))
	for tag := range f.images {
		out = append(out, RuntimeImage{Tag: tag, ID: "sha256:test"})
	}
	return out, nil
}

func (f *fakeRuntime) Host() string { return "docker.test" }

func (f *fakeRuntime) Reinitialize() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reinitCount++
}

// setState 手动调整运行时侧状态，模拟容器崩溃/退出
func (f *fakeRuntime) setState(containerID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.State = state
	}
}

// memStore 内存版 KeyValueStore，带 TTL
type memStore struct {
	mu   sync.Mutex
	data map[string]memEntry
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]memEntry)}
}

func (s *memStore) Get(ctx context.Context, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

func (s *memStore) Set(ctx context.Context, key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

func (s *memStore) Delete(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

type testEnv struct {
	db      *gorm.DB
	runtime *fakeRuntime
	cache   *memStore
	orch    *Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	rt := newFakeRuntime()
	cache := newMemStore()
	return &testEnv{
		db:      db,
		runtime: rt,
		cache:   cache,
		orch:    NewOrchestrator(db, rt, cache, testLogger()),
	}
}
