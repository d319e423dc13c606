package main

import "usage-sync/internal/cli"

func main() {
	cli.Execute()
}
