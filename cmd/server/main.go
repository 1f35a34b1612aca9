package main

import (
	"log"
	"net/http"
	"os"

	"github.com/openparcel/parcelsync/internal/server"
)

func main() {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	h, err := server.NewHandler()
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, h); err != nil {
		log.Fatal(err)
	}
}
