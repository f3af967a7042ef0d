// Command blather-server runs a blather chat server rooted at the
// current directory: blather-server <server_name>. Set BL_ADVANCED in
// the environment to enable the append-only log, %who/%last support,
// and the ping/disconnect liveness sweep.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/pankaj/blather/server"
)

func main() {
	if len(os.Args) <= 1 {
		fmt.Fprintln(os.Stderr, "Please specify the server name.")
		os.Exit(0)
	}
	serverName := os.Args[1]

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	cfg := server.DefaultConfig(serverName)
	cfg.Advanced = os.Getenv("BL_ADVANCED") != ""

	srv := server.New(cfg, entry)
	if err := srv.Start(); err != nil {
		entry.WithError(err).Fatal("server_start failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("shutdown gracefully")
		srv.RequestShutdown()
	}()

	if err := srv.Run(); err != nil {
		entry.WithError(err).Fatal("server run failed")
	}
}
