package main

import (
	"flag"
	"fmt"
	"os"

	intrnl "roomchat/internal"
)

func main() {
	server := flag.String("server", getEnv("ROOMCHAT_SERVER", "http://localhost:8080"), "server base URL")
	user := flag.String("user", os.Getenv("ROOMCHAT_USER"), "username to prefill")
	flag.Parse()

	if err := intrnl.RunClient(*server, *user); err != nil {
		fmt.Fprintf(os.Stderr, "client error: %v\n", err)
		os.Exit(1)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
