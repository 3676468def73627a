package main

import (
	"errors"
	"fmt"
	"strings"
)

// lifecycle is what the control console can change at runtime.
type lifecycle interface {
	SetPermission(granted bool)
	SetUser(id string)
	SetForeground(fg bool)
}

var errQuit = errors.New("quit")

func parseSwitch(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", arg)
}

// applyControl runs one console line. Blank lines are ignored. errQuit is
// returned for "quit".
func applyControl(line string, gate lifecycle, setTracking func(bool)) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "foreground":
		gate.SetForeground(true)
	case "background":
		gate.SetForeground(false)
	case "login", "user":
		if len(args) != 1 {
			return fmt.Errorf("%s needs a user id", cmd)
		}
		gate.SetUser(args[0])
	case "logout":
		gate.SetUser("")
	case "permission", "tracking":
		if len(args) != 1 {
			return fmt.Errorf("%s needs on or off", cmd)
		}
		on, err := parseSwitch(args[0])
		if err != nil {
			return err
		}
		if cmd == "permission" {
			gate.SetPermission(on)
		} else {
			setTracking(on)
		}
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown control %q", cmd)
	}
	return nil
}
