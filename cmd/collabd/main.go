// Command collabd runs the collaborative editing relay server.
package main

import (
	"log"

	"github.com/server-elo/collab/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
