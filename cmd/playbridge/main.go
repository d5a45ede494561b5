package main

import (
	"os"

	internal "github.com/claes/playbridge/internal"
)

func main() {
	config := internal.ParseConfig()

	if err := internal.StartPlaybridge(config); err != nil {
		os.Exit(1)
	}
}
