package main

import "github.com/vietddude/wlantunnel/internal/cli"

func main() {
	cli.Execute()
}
