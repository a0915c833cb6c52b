package main

import "planboard/cmd/cli"

func main() {
	cli.Execute()
}
