package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hidsward/hidsward/internal/cli"
)

// Set via -ldflags at release time.
var (
	version = "dev"
	commit  = "unknown"
)

func versionString() string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}
	c := strings.TrimSpace(commit)
	if c == "" || strings.EqualFold(c, "unknown") || strings.Contains(v, c) {
		return v
	}
	return v + "+" + c
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	root := cli.NewRoot(versionString())
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *cli.ExitError
	if errors.As(err, &ee) {
		if msg := ee.Message(); msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		return ee.Code()
	}
	fmt.Fprintln(stderr, err.Error())
	return 1
}
