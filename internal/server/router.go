package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sunny-Choudhary-08/techy/internal/auth"
	"github.com/Sunny-Choudhary-08/techy/internal/config"
	"github.com/Sunny-Choudhary-08/techy/internal/directory"
	"github.com/Sunny-Choudhary-08/techy/internal/metrics"
	"github.com/Sunny-Choudhary-08/techy/internal/mw"
	"github.com/Sunny-Choudhary-08/techy/internal/service"
	"github.com/Sunny-Choudhary-08/techy/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, dir *directory.Directory, hub *ws.Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.CORS(cfg.Env))
	r.Use(metrics.GinMiddleware())
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	userSvc := service.NewUserService(db, cfg)
	roomSvc := service.NewRoomService(dir, hub)
	histSvc := service.NewHistoryService(dir)
	h := NewHandler(userSvc, roomSvc, histSvc)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 房间的 REST 接口与原前端保持一致，不要求登录。
	api.POST("/rooms", h.CreateRoom)
	api.GET("/rooms/:code", h.RoomStatus)
	api.POST("/rooms/:code/end", h.EndRoom)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))
	authed.GET("/me", h.Me)
	authed.GET("/history", h.History)
	authed.POST("/history", h.AddHistory)

	r.GET("/ws", ws.Serve(hub))

	// SPA 静态资源走 NoRoute，避免与上面的显式路由冲突。
	distDir := filepath.Join(".", "frontend")
	if _, err := os.Stat(filepath.Join(distDir, "index.html")); err == nil {
		r.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet {
				c.Status(http.StatusNotFound)
				return
			}
			rel := strings.TrimPrefix(filepath.Clean(c.Request.URL.Path), "/")
			if strings.HasPrefix(rel, "api/") {
				c.Status(http.StatusNotFound)
				return
			}
			target := filepath.Join(distDir, rel)
			if fi, err := os.Stat(target); err == nil && !fi.IsDir() {
				c.File(target)
				return
			}
			c.File(filepath.Join(distDir, "index.html"))
		})
	}
	return r
}
