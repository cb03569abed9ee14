// file: config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 服务级配置（连接串、监听地址等）。
// 容器策略（配额、端口区间等）存放在数据库 DockerSettings 单行中，不在这里。
type Config struct {
	Listen        string `yaml:"listen"`
	MySQLDSN      string `yaml:"mysql_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	JWTSecret     string `yaml:"jwt_secret"`

	// 对账循环执行间隔（秒）
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
}

// C 全局配置实例，main 启动时装载
var C = Default()

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Listen:                   ":8080",
		MySQLDSN:                 "root:123456@tcp(localhost:3306)/cysctf?charset=utf8mb4&parseTime=True&loc=Local",
		RedisAddr:                "localhost:6379",
		JWTSecret:                "change-me-in-config-file",
		ReconcileIntervalSeconds: 60,
	}
}

// Load 从 YAML 文件装载配置，文件不存在时使用默认值
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
