package main

import (
	"github.com/ddworken/lookupguard/client/cmd"
)

func main() {
	cmd.Execute()
}
