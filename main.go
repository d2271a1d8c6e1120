package main

import (
	"os"

	"github.com/janog-netcon/netcon-score-server/cmd"
	"github.com/janog-netcon/netcon-score-server/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	dev := os.Getenv("DEVELOPMENT")
	if dev == "true" {
		logger.Init(true)
	} else {
		logger.Init(false)
	}
	defer zap.L().Sync()
	cmd.Execute()
}
