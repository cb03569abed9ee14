// file: routes/router.go
package routes

import (
	"github.com/gin-gonic/gin"

	"CYSCTF/controllers"
	"CYSCTF/middlewares"
	"CYSCTF/models"
)

func SetupRouter() *gin.Engine {
	r := gin.Default()

	api := r.Group("/api")

	// 用户容器操作，需登录
	container := api.Group("/container")
	container.Use(middlewares.JWTAuthMiddleware())
	{
		container.POST("/start", controllers.StartContainer)
		container.POST("/stop", controllers.StopContainer)
		container.POST("/revert", controllers.RevertContainer)
		container.GET("/status", controllers.GetContainerStatus)
	}

	challenge := api.Group("/challenge")
	challenge.Use(middlewares.JWTAuthMiddleware())
	{
		challenge.POST("/submit", controllers.SubmitFlag)
	}

	// 管理端
	admin := api.Group("/admin")
	admin.Use(middlewares.JWTAuthMiddleware(), middlewares.RoleAuthMiddleware(models.RoleAdmin))
	{
		admin.GET("/containers", controllers.AdminListContainers)
		admin.DELETE("/containers/:id", controllers.AdminForceCleanup)
		admin.GET("/container-events", controllers.AdminListContainerEvents)
		admin.GET("/abuse-attempts", controllers.AdminListAbuseAttempts)
		admin.GET("/abuse-attempts/repeat-offenders", controllers.AdminRepeatOffenders)
		admin.GET("/docker/images", controllers.AdminListImages)
		admin.GET("/docker/settings", controllers.AdminGetDockerSettings)
		admin.PUT("/docker/settings", controllers.AdminUpdateDockerSettings)
		admin.POST("/docker/test", controllers.AdminTestDockerConnection)
	}

	return r
}
