package main

import (
	"log"

	"neftvault/services/lifecycled/daemon"
)

func main() {
	if err := daemon.Main(); err != nil {
		log.Fatalf("lifecycled: %v", err)
	}
}
