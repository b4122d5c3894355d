package main

import "github.com/khalverson/inkwell/cmd/inkwell/cmd"

func main() {
	cmd.Execute()
}
