package main

import "github.com/Togather-Foundation/signoff/cmd/server/cmd"

func main() {
	cmd.Execute()
}
