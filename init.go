package main

import (
	"os"

	"github.com/nsattach/nsattach/libcontainer"
	_ "github.com/nsattach/nsattach/libcontainer/nsenter"
)

func init() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		// This is the golang entry point for "nsattach init", executed
		// before main() but after libcontainer/nsenter's nsexec().
		libcontainer.Init()
	}
}
