package main

import "unimanager/internal/cli/cmd"

func main() {
	cmd.Execute()
}
