package main

import "github.com/okorolev/Board/cmd/peer/cmd"

func main() {
	cmd.Execute()
}
