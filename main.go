package main

import "github.com/deploymenttheory/go-lcfs/cmd"

func main() {
	cmd.Execute()
}
