package main

import "github.com/busybox42/mailq/cmd/mailq/commands"

func main() {
	commands.Execute()
}
