package main

import "github.com/mame82/stdfu/cmd"

func main() {
	cmd.Execute()
}
