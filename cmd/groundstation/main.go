package main

import "github.com/skybeam/groundstation/internal/cli"

func main() {
	cli.Execute()
}
