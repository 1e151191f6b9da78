// Package main is the entry point for the studio CLI.
package main

import "github.com/basecamp/studio-cli/internal/cli"

func main() {
	cli.Execute()
}
