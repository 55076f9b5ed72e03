package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/zlseong/vmg/cmd/vmg-gateway/app"
)

func main() {
	if err := app.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
