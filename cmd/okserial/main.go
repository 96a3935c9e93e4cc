package main

import "github.com/egnor/ok-go-serial/internal/cli"

func main() {
	cli.Execute()
}
