package main

import (
	"github.com/rs/zerolog/log"
)

func main() {
	log.Info().Msg("[Main] CCS 推送网关启动中...")

	runner := NewApplicationRunner()
	runner.Run()

	log.Info().Msg("[Main] CCS 推送网关已停止")
}
