// file: services/runtime.go
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"CYSCTF/models"
)

// 平台容器命名约定。对账循环用该前缀识别平台创建的容器
const (
	ContainerNamePrefix = "ctf-challenge"
	ChallengeNetwork    = "ctf_challenges"
)

// ErrImageNotFound 创建容器时镜像缺失，编排器据此触发一次拉取重试
var ErrImageNotFound = errors.New("image not found")

// CreateSpec 创建并启动容器所需的全部参数
type CreateSpec struct {
	Image         string
	Name          string
	ContainerPort int
	HostPort      int
	Env           []string
	Labels        map[string]string
	MemoryMB      int
	CPUPercent    float64
}

// RuntimeContainer 运行时侧容器的最小视图
type RuntimeContainer struct {
	ID    string
	Name  string
	State string // running / exited / dead / created ...
}

// RuntimeImage 运行时侧镜像摘要
type RuntimeImage struct {
	Tag     string `json:"tag"`
	ID      string `json:"id"`
	Size    int64  `json:"size"`
	Created int64  `json:"created"`
}

// ContainerRuntime 运行时客户端适配层。所有调用都是到容器守护进程的
// 阻塞网络调用，为主要延迟来源。
type ContainerRuntime interface {
	Ping(ctx context.Context) error
	CreateAndStart(ctx context.Context, spec CreateSpec) (string, error)
	// StopAndRemove 停止并删除容器。运行时侧已不存在视为成功
	StopAndRemove(ctx context.Context, containerID string) error
	PullImage(ctx context.Context, image string) error
	// ListPlatformContainers 列出符合平台命名约定的全部容器（含已退出）
	ListPlatformContainers(ctx context.Context) ([]RuntimeContainer, error)
	PutArchive(ctx context.Context, containerID string, archive io.Reader) error
	// ExecQuiet 在容器内执行命令，失败只记日志
	ExecQuiet(ctx context.Context, containerID string, cmd []string)
	ListImages(ctx context.Context) ([]RuntimeImage, error)
	Host() string
	// Reinitialize 丢弃已缓存的客户端连接，下次调用按最新配置重建
	Reinitialize()
}

// DockerRuntime 基于 Docker SDK 的 ContainerRuntime 实现。
// 客户端按需初始化并缓存，连接配置来自 DockerSettings 单行。
type DockerRuntime struct {
	db     *gorm.DB
	logger *logrus.Logger

	mu          sync.Mutex
	cli         *client.Client
	initialized bool
	host        string
}

func NewDockerRuntime(db *gorm.DB, logger *logrus.Logger) *DockerRuntime {
	if logger == nil {
		logger = logrus.New()
	}
	return &DockerRuntime{db: db, logger: logger}
}

// ensureClient 惰性初始化 Docker 客户端：
// 空 hostname 用本地 socket，有 TLS 材料走 mTLS，否则明文 TCP。
func (r *DockerRuntime) ensureClient(ctx context.Context) (*client.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized && r.cli != nil {
		return r.cli, nil
	}

	settings, err := models.GetDockerSettings(r.db)
	if err != nil {
		return nil, fmt.Errorf("load docker settings: %w", err)
	}

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	switch {
	case settings.Hostname == "":
		opts = append(opts, client.FromEnv)
	case settings.TLSEnabled && settings.CACert != "":
		caPath, certPath, keyPath, err := writeTLSMaterial(settings)
		if err != nil {
			return nil, fmt.Errorf("prepare tls material: %w", err)
		}
		opts = append(opts, client.WithHost(settings.Hostname), client.WithTLSClientConfig(caPath, certPath, keyPath))
	default:
		opts = append(opts, client.WithHost(settings.Hostname))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}

	r.cli = cli
	r.initialized = true
	r.host = resolveDockerHost(settings.Hostname)
	r.logger.Info("Docker client initialized successfully")
	return r.cli, nil
}

// writeTLSMaterial 把库中的证书文本落为临时文件供 SDK 使用
func writeTLSMaterial(settings *models.DockerSettings) (ca, cert, key string, err error) {
	write := func(content, pattern string) (string, error) {
		f, err := os.CreateTemp("", pattern)
		if err != nil {
			return "", err
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return "", err
		}
		return f.Name(), nil
	}
	if ca, err = write(settings.CACert, "docker-ca-*.pem"); err != nil {
		return
	}
	if cert, err = write(settings.ClientCert, "docker-cert-*.pem"); err != nil {
		return
	}
	key, err = write(settings.ClientKey, "docker-key-*.pem")
	return
}

// resolveDockerHost 从 tcp://host:port 提取主机名，本地 socket 用主机名
func resolveDockerHost(hostname string) string {
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			return h
		}
		return "localhost"
	}
	h := hostname
	for _, prefix := range []string{"tcp://", "https://", "http://"} {
		if len(h) > len(prefix) && h[:len(prefix)] == prefix {
			h = h[len(prefix):]
			break
		}
	}
	for i := 0; i < len(h); i++ {
		if h[i] == ':' || h[i] == '/' {
			return h[:i]
		}
	}
	return h
}

func (r *DockerRuntime) Ping(ctx context.Context) error {
	cli, err := r.ensureClient(ctx)
	if err != nil {
		return err
	}
	_, err = cli.Ping(ctx)
	return err
}

func (r *DockerRuntime) Host() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.host != "" {
		return r.host
	}
	if settings, err := models.GetDockerSettings(r.db); err == nil {
		return resolveDockerHost(settings.Hostname)
	}
	return "localhost"
}

func (r *DockerRuntime) Reinitialize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cli != nil {
		_ = r.cli.Close()
	}
	r.cli = nil
	r.initialized = false
	r.host = ""
	r.logger.Info("Docker client dropped, will reinitialize with current settings")
}

func (r *DockerRuntime) CreateAndStart(ctx context.Context, spec CreateSpec) (string, error) {
	cli, err := r.ensureClient(ctx)
	if err != nil {
		return "", err
	}

	containerPort, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return "", fmt.Errorf("invalid container port %d: %w", spec.ContainerPort, err)
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostPort: strconv.Itoa(spec.HostPort)}},
		},
		// 禁止自动重启：崩溃重启会让逻辑上已停止的容器悄悄复活
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		NetworkMode:   container.NetworkMode(ChallengeNetwork),
		Resources: container.Resources{
			Memory:   int64(spec.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(spec.CPUPercent / 100 * 1e9),
		},
	}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
		}
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// 启动失败时清掉刚创建的容器，避免留下孤儿
		_ = cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container %s: %w", spec.Name, err)
	}

	return resp.ID, nil
}

func (r *DockerRuntime) StopAndRemove(ctx context.Context, containerID string) error {
	cli, err := r.ensureClient(ctx)
	if err != nil {
		return err
	}

	timeout := 10
	if err := cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !client.IsErrNotFound(err) {
			r.logger.WithField("container_id", containerID).Warnf("stop container: %v", err)
		}
	}
	if err := cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

func (r *DockerRuntime) PullImage(ctx context.Context, image string) error {
	cli, err := r.ensureClient(ctx)
	if err != nil {
		return err
	}
	rc, err := cli.ImagePull(ctx, image, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", image, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

func (r *DockerRuntime) ListPlatformContainers(ctx context.Context) ([]RuntimeContainer, error) {
	cli, err := r.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	list, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", ContainerNamePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]RuntimeContainer, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, RuntimeContainer{ID: c.ID, Name: name, State: c.State})
	}
	return out, nil
}

func (r *DockerRuntime) PutArchive(ctx context.Context, containerID string, archive io.Reader) error {
	cli, err := r.ensureClient(ctx)
	if err != nil {
		return err
	}
	// 归档放到根目录解包，文件路径由归档内部条目决定
	if err := cli.CopyToContainer(ctx, containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy archive into %s: %w", containerID, err)
	}
	return nil
}

func (r *DockerRuntime) ExecQuiet(ctx context.Context, containerID string, cmd []string) {
	cli, err := r.ensureClient(ctx)
	if err != nil {
		return
	}
	resp, err := cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:  cmd,
		User: "0",
	})
	if err != nil {
		r.logger.WithField("container_id", containerID).Debugf("exec create: %v", err)
		return
	}
	if err := cli.ContainerExecStart(ctx, resp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		r.logger.WithField("container_id", containerID).Debugf("exec start: %v", err)
	}
}

func (r *DockerRuntime) ListImages(ctx context.Context) ([]RuntimeImage, error) {
	cli, err := r.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	images, err := cli.ImageList(ctx, imagetypes.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var out []RuntimeImage
	for _, img := range images {
		for _, tag := range img.RepoTags {
			out = append(out, RuntimeImage{
				Tag:     tag,
				ID:      img.ID,
				Size:    img.Size,
				Created: img.Created,
			})
		}
	}
	return out, nil
}
