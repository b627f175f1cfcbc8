// Package main is the entry point for the kcov CLI.
package main

import "kcov.dev/pkg/kcov/cmd"

func main() {
	cmd.Execute()
}
