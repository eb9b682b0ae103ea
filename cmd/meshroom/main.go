package main

import "github.com/corvino/meshroom/internal/cli"

func main() {
	cli.Execute()
}
