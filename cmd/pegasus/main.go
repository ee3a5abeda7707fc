package main

import "github.com/Agoric/dapp-peg-as.us/internal/cli"

func main() {
	cli.Execute()
}
