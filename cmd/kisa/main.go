// Package main is the entry point for the kisa session store admin tool.
package main

import (
	"os"

	"github.com/minus-twelve/kisa-sql/cmd/kisa/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
