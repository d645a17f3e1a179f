package main

import "github.com/jdziat/job-reliability/internal/cli"

func main() {
	cli.Execute(nil)
}
