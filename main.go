// file: main.go
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"CYSCTF/config"
	"CYSCTF/database"
	"CYSCTF/routes"
	"CYSCTF/services"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("装载配置失败: %v", err)
	}
	config.C = cfg

	// 初始化数据库
	database.Connect(cfg.MySQLDSN)
	database.MigrateTables()

	// 初始化 Redis
	database.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	// 组装服务层
	services.Init(database.DB, database.RDB, time.Duration(cfg.ReconcileIntervalSeconds)*time.Second)

	// 后台对账循环
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go services.DefaultReconciler.Run(ctx)

	// 初始化路由
	r := routes.SetupRouter()
	if err := r.Run(cfg.Listen); err != nil {
		log.Fatalf("服务启动失败: %v", err)
	}
}
