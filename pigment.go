package main

import (
	"github.com/caesium-cloud/pigment/cmd"
	"github.com/caesium-cloud/pigment/pkg/env"
	"github.com/caesium-cloud/pigment/pkg/log"
)

func main() {
	if err := env.Process(); err != nil {
		log.Fatal("environment failure", "error", err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal("pigment failure", "error", err)
	}
}
