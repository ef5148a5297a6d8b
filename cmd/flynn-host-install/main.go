package main

import "github.com/flynnutils/host-installer/cmd/flynn-host-install/cmd"

func main() {
	cmd.Execute()
}
