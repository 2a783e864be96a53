// Package main is the entry point for the connector.
package main

import (
	"os"

	"github.com/chatlink/connector/cmd/connector/app"
	"github.com/chatlink/connector/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
