// file: services/dynamic_flag.go
package services

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"path"
	"strconv"
	"strings"
	"time"

	"CYSCTF/models"
)

// DefaultFlagPrefix 动态 Flag 默认前缀；题目静态 Flag 为 PREFIX{...} 形式时继承其前缀
const DefaultFlagPrefix = "CYS"

// OwnerTag 构造归属标签：有队伍用 team_<id>，否则用 user_<fallbackID>
func OwnerTag(teamID *uint32, fallbackID uint32) string {
	if teamID != nil {
		return fmt.Sprintf("team_%d", *teamID)
	}
	return fmt.Sprintf("user_%d", fallbackID)
}

// GenerateDynamicFlag 生成按归属方绑定的动态 Flag：
// PREFIX{base64url("{challengeID}:{ownerTag}:{rand}")}，base64 不带填充。
// (challenge, ownerTag) 到 Flag 的映射写入 24 小时缓存，保证同一归属方的
// 多个实例解析到同一个 Flag。
func GenerateDynamicFlag(ctx context.Context, cache KeyValueStore, challenge *models.Challenge, ownerTag string) string {
	mappingKey := fmt.Sprintf("%s%d:%s", cacheKeyFlagMapping, challenge.ID, ownerTag)
	if existing, ok := cache.Get(ctx, mappingKey); ok && existing != "" {
		return existing
	}

	prefix := challenge.FlagPrefix()
	if prefix == "" {
		prefix = DefaultFlagPrefix
	}

	payload := fmt.Sprintf("%d:%s:%d", challenge.ID, ownerTag, rand.Intn(2000))
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	flag := fmt.Sprintf("%s{%s}", prefix, encoded)

	cache.Set(ctx, mappingKey, flag, 24*time.Hour)
	return flag
}

// ParsedDynamicFlag 动态 Flag 解析结果
type ParsedDynamicFlag struct {
	ChallengeID uint32
	TeamID      *uint32
	UserID      *uint32
	IsTeamFlag  bool
	IsValid     bool
}

// ParseDynamicFlag 逆向解析动态 Flag。任何一步不匹配都返回 nil 而非报错：
// 绝大多数输入只是普通的错误答案，不是格式异常。
func ParseDynamicFlag(flagValue string) *ParsedDynamicFlag {
	open := strings.Index(flagValue, "{")
	close := strings.LastIndex(flagValue, "}")
	if open < 0 || close < 0 || close <= open {
		return nil
	}
	inner := flagValue[open+1 : close]

	// 生成端不带填充，这里补齐后再解码
	if pad := len(inner) % 4; pad != 0 {
		inner += strings.Repeat("=", 4-pad)
	}
	decoded, err := base64.URLEncoding.DecodeString(inner)
	if err != nil {
		return nil
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 3 {
		return nil
	}
	challengeID, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return nil
	}

	switch {
	case strings.HasPrefix(parts[1], "team_"):
		id, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "team_"), 10, 32)
		if err != nil {
			return nil
		}
		teamID := uint32(id)
		return &ParsedDynamicFlag{
			ChallengeID: uint32(challengeID),
			TeamID:      &teamID,
			IsTeamFlag:  true,
			IsValid:     true,
		}
	case strings.HasPrefix(parts[1], "user_"):
		id, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "user_"), 10, 32)
		if err != nil {
			return nil
		}
		userID := uint32(id)
		return &ParsedDynamicFlag{
			ChallengeID: uint32(challengeID),
			UserID:      &userID,
			IsValid:     true,
		}
	}
	return nil
}

// InjectFlag 把 Flag 写入运行中容器的指定路径：构造只含这一个文件的内存
// tar 归档交给运行时的上传原语。权限位放宽到 0666，保证镜像内非 root
// 进程也能读取。失败只影响 Flag 文件，不影响容器本身。
func InjectFlag(ctx context.Context, runtime ContainerRuntime, containerID, flagValue, flagPath string) error {
	data := []byte(flagValue)

	// 尽力创建父目录，归档解包自身也可能补齐
	if dir := path.Dir("/" + strings.TrimPrefix(flagPath, "/")); dir != "/" {
		runtime.ExecQuiet(ctx, containerID, []string{"mkdir", "-p", dir})
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    strings.TrimPrefix(flagPath, "/"),
		Mode:    0666,
		Size:    int64(len(data)),
		ModTime: time.Now().UTC(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	if err := runtime.PutArchive(ctx, containerID, &buf); err != nil {
		return err
	}

	runtime.ExecQuiet(ctx, containerID, []string{"chmod", "666", flagPath})
	return nil
}
