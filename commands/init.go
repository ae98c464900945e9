package commands

import (
	"context"

	"wsrelay/config"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// RunInit writes the configuration, defaults included, to the config file.
func RunInit(ctx context.Context, cfg *config.Config) {
	log.Info("RunInit()")

	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
}
