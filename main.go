package main

import (
	"fmt"
	"os"
)

const usage = `usage: carlinkd <command>

  daemon                                  run the session daemon
  status                                  print the current state
  watch                                   print every state change
  pair                                    authorize the dongle
  gesture                                 record a user gesture
  key <command|key code>                  send a key command
  touch <down|move|up|cancel|leave> <x> <y>
                                          send a pointer event (pixels)
  resize <width> <height>                 change the stream size
  ignition <on|off>                       report the ignition status
  dismiss                                 dismiss the shutdown warning`

// argCounts is the number of arguments each client command takes.
var argCounts = map[string]int{
	"status":   0,
	"pair":     0,
	"gesture":  0,
	"key":      1,
	"touch":    3,
	"resize":   2,
	"ignition": 1,
	"dismiss":  0,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "daemon":
		err = runDaemon()
	case "watch":
		err = runWatch()
	default:
		n, ok := argCounts[cmd]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
			os.Exit(1)
		}
		if len(os.Args)-2 != n {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(1)
		}
		err = runCommand(cmd, os.Args[2:]...)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
