package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/harun/tripmate/internal/cli"
)

func main() {
	// Provider keys may live in a local .env file.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
