package main

import (
	"context"
	"fetchkit/pkg/cli"
	"os"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
