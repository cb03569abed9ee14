// file: database/connect.go
package database

import (
	"CYSCTF/models"
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *gorm.DB

func Connect(dsn string) {
	var err error
	DB, err = gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// 配置数据库连接池。ConnMaxLifetime 用于规避 MySQL wait_timeout 断连
	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatal("Failed to get underlying sql.DB:", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("Database connection successfully established and connection pool configured.")
}

// MigrateTables 迁移本子系统拥有的表
func MigrateTables() {
	err := DB.AutoMigrate(
		&models.Challenge{},
		&models.ContainerInstance{},
		&models.ContainerEvent{},
		&models.DockerSettings{},
		&models.FlagAbuseAttempt{},
		&models.Submission{},
		&models.Team{},
		&models.TeamMember{},
		&models.User{},
	)
	if err != nil {
		log.Fatal("Failed to migrate database:", err)
	}
	log.Println("Database migration completed.")
}
