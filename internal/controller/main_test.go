package controller

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/fnemu/internal/env"
	"github.com/loykin/fnemu/internal/function"
	"github.com/loykin/fnemu/internal/registry"
	"github.com/loykin/fnemu/internal/server"
)

const (
	helperEnv     = "FNEMU_CONTROLLER_HELPER"
	helperAddrEnv = "FNEMU_CONTROLLER_HELPER_ADDR"
)

// TestMain doubles as the emulator binary the controller spawns.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "serve":
		os.Exit(serveHelper())
	case "exit":
		os.Exit(3)
	case "hang":
		time.Sleep(time.Hour)
		os.Exit(0)
	}
}

func serveHelper() int {
	var projectID string
	debug := false
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project-id":
			if i+1 < len(args) {
				projectID = args[i+1]
				i++
			}
		case "--debug":
			debug = true
		}
	}
	dir, err := os.MkdirTemp("", "fnemu-helper")
	if err != nil {
		return 1
	}
	defer func() { _ = os.RemoveAll(dir) }()
	loader := function.NewManifestLoader()
	reg, err := registry.Open(filepath.Join(dir, "functions.json"), loader, "")
	if err != nil {
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	s := server.New(server.Options{Registry: reg, Loader: loader, Env: env.FromOS(), ProjectID: projectID, Debug: debug})
	if err := s.ListenAndServe(ctx, os.Getenv(helperAddrEnv)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
