package main

import (
	"log"

	"github.com/welcomecrm/cadence/core/controlplane/cadenceengine"
	"github.com/welcomecrm/cadence/core/infra/buildinfo"
	"github.com/welcomecrm/cadence/core/infra/config"
)

func main() {
	log.Println("cadence engine starting...")
	buildinfo.Log("cadence-engine")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cadenceengine.Run(cfg); err != nil {
		log.Fatalf("cadence engine error: %v", err)
	}
}
