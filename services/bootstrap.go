// file: services/bootstrap.go
package services

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 包级单例，main 启动时 Init 一次，controllers 直接引用
var (
	Logger              *logrus.Logger
	DefaultRuntime      *DockerRuntime
	DefaultCache        KeyValueStore
	DefaultOrchestrator *Orchestrator
	DefaultReconciler   *Reconciler
	DefaultAuditor      *FlagAuditor
)

// Init 组装服务层。对账循环与编排器共享同一个可重建的运行时句柄，
// 但各自使用独立的事务单元。
func Init(db *gorm.DB, rdb *redis.Client, reconcileInterval time.Duration) {
	Logger = logrus.New()
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	DefaultRuntime = NewDockerRuntime(db, Logger)
	DefaultCache = NewRedisStore(rdb)
	DefaultOrchestrator = NewOrchestrator(db, DefaultRuntime, DefaultCache, Logger)
	DefaultReconciler = NewReconciler(db, DefaultRuntime, DefaultCache, Logger, reconcileInterval)
	DefaultAuditor = NewFlagAuditor(db, Logger)
}
