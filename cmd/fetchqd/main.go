package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fetchqd/internal/app"
)

func main() {
	cfgFileName := flag.String("c", "config.yml", "Path to config file")
	flag.Parse()

	app := app.New(*cfgFileName)
	app.Start()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	<-c
	fmt.Println("Received termination signal. Shutting down...")
	app.Stop()
	fmt.Println("done")
}
