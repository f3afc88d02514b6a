package main

import "github.com/vietddude/bankwatch/internal/cli"

func main() {
	cli.Execute()
}
