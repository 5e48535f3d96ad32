package main

import (
	"log"

	"github.com/brickshelf/brickshelf/config"
	"github.com/brickshelf/brickshelf/models"
	"github.com/brickshelf/brickshelf/routes"
	"github.com/brickshelf/brickshelf/utils"
)

func main() {
	cfg := config.Load()

	if err := utils.InitLogger(cfg); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() {
		_ = utils.Logger.Sync()
	}()

	db := config.InitDatabase(&models.Moc{}, &models.MocFile{})

	router := routes.SetupRouter(db)

	utils.Sugar.Infof("listening on :%s", cfg.AppPort)
	if err := utils.GraceServer(":"+cfg.AppPort, router); err != nil {
		utils.Sugar.Fatalf("server exited: %v", err)
	}
}
