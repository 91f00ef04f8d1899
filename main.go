package main

import "github.com/skyforge/provisd/internal/cmd"

func main() {
	cmd.Execute()
}
