package main

import "github.com/dialohq/fxfsp/cmd"

func main() {
	cmd.Execute()
}
