package main

import (
	"fmt"
	"os"
	"strings"

	cli "github.com/spf13/pflag"

	"yara/internal/ipc"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: yara-ctl [--socket path] <command> [args]\n\ncommands: %s\n",
		strings.Join(ipc.Commands, ", "))
	cli.PrintDefaults()
}

func main() {
	socket := cli.StringP("socket", "s", ipc.SocketPath, "Control socket path")
	cli.Usage = usage
	cli.Parse()

	if cli.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	msg := ipc.ControlMessage{
		Cmd: cli.Arg(0),
		Arg: strings.Join(cli.Args()[1:], " "),
	}

	reply, err := ipc.SendCommand(*socket, msg)
	if err != nil {
		fmt.Println("yara-daemon not running:", err)
		os.Exit(1)
	}

	if reply.Info != "" {
		fmt.Println(reply.Info)
	}
	if !reply.OK {
		fmt.Fprintf(os.Stderr, "error: %s (state: %s)\n", reply.Error, reply.State)
		os.Exit(1)
	}
	fmt.Println("state:", reply.State)
}
