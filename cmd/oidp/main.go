package main

import "github.com/authlab/oidp/cmd/oidp/cmd"

func main() {
	cmd.Execute()
}
