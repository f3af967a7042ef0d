// Command blather-client joins a running blather server:
// blather-client <server_name> <user_name>. Set BL_ADVANCED to enable
// the %who and %last N local commands (requires the server to also be
// running with BL_ADVANCED so its log exists).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/pankaj/blather/client"
	"github.com/pankaj/blather/lineeditor"
)

func main() {
	if len(os.Args) <= 2 {
		fmt.Fprintln(os.Stderr, "Please specify the server name and user name.")
		os.Exit(0)
	}
	serverName, userName := os.Args[1], os.Args[2]

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.WarnLevel)
	entry := logrus.NewEntry(log)

	editor := lineeditor.New(os.Stdin, os.Stdout)
	editor.SetPrompt(userName + ">> ")

	cfg := client.DefaultConfig(serverName, userName)
	cfg.Advanced = os.Getenv("BL_ADVANCED") != ""

	cl := client.New(cfg, editor, entry)
	if err := cl.Join(); err != nil {
		entry.WithError(err).Fatal("join failed")
	}

	stdinFD := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFD) {
		if err := editor.MakeRaw(stdinFD); err != nil {
			entry.WithError(err).Warn("could not set raw terminal mode")
		} else {
			defer editor.Restore()
			cl.SetStdinFD(stdinFD)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cl.RequestDeparture()
	}()

	cl.Run()
}
