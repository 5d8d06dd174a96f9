package main

import "github.com/felixgeelhaar/insight/cmd/insight/cli"

func main() {
	cli.Execute()
}
