package main

import (
	"github.com/Sunny-Choudhary-08/techy/internal/config"
	"github.com/Sunny-Choudhary-08/techy/internal/db"
	"github.com/Sunny-Choudhary-08/techy/internal/directory"
	clog "github.com/Sunny-Choudhary-08/techy/internal/log"
	"github.com/Sunny-Choudhary-08/techy/internal/server"
	"github.com/Sunny-Choudhary-08/techy/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	dir := directory.NewDirectory(gdb)
	hub := ws.NewHub(dir)
	r := server.SetupRouter(cfg, gdb, dir, hub)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
