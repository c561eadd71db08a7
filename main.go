package main

import "github.com/pbparthas/scriptlock/cmd"

func main() {
	cmd.Execute()
}
