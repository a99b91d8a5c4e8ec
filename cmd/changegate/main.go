package main

import "github.com/ppiankov/changegate/internal/cli"

func main() {
	cli.Execute()
}
