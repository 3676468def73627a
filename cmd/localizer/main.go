package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/localizer/presence/internal/bootstrap"
	"github.com/localizer/presence/internal/config"
)

const binaryName = "localizer"

func usage() {
	fmt.Println(`Usage: localizer <command> [args]

Commands:
  run                          start the presence client (default)
  register <id> <name> <phone> add a new user to the presence collection
  update <id> <name> [phone]   change the name and phone of a user
  avatar <id> <image file>     upload the avatar of a user
  list                         print every user in the collection`)
}

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	env, err := config.ParseEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	rt, err := bootstrap.Start(binaryName, env)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	}()

	rt.Logger.Info("Starting up...")

	cmd := "run"
	if len(args) > 0 {
		cmd = strings.ToLower(args[0])
		args = args[1:]
	}

	switch cmd {
	case "run":
		err = run(rt)
	case "register", "update", "avatar", "list":
		err = profileCommand(rt, cmd, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Printf("Unknown command %q.\n", cmd)
		usage()
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		rt.Logger.Error("Command failed", "command", cmd, "error", err)
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
