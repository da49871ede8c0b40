// Command loco is a terminal front end for the Loco room service.
//
//	loco [-o yaml|json] [-env file] <command> [args]
//
// Settings come from LOCO_* environment variables (see package config).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	loco "github.com/ggoodman/loco-client-go"
	"github.com/ggoodman/loco-client-go/config"
)

var errUsage = errors.New("usage")

const usage = `usage: loco [-o yaml|json] [-env file] <command> [args]

commands:
  whoami
  login <token>
  logout
  rooms public|private
  rooms hosted|joined [userID]
  room <id>
  create [-private] [-thumbnail url] <name> [description]
  update [-name n] [-description d] [-private=true|false] [-thumbnail url] <id>
  delete <id>
  join <id> [inviteCode]
  leave <id>
  profile <nickname> [imageURL]
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "loco:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("loco", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	format := fs.String("o", "yaml", "output format: yaml or json")
	envFile := fs.String("env", "", "`file` of LOCO_* settings (default .env)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}
	out, err := newPrinter(*format, stdout)
	if err != nil {
		return err
	}

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	c, err := loco.New(ctx, cfg, loco.WithLogger(logger))
	if err != nil {
		return err
	}
	if _, err := c.Start(ctx); err != nil {
		_ = c.Close()
		return err
	}

	cmd := &command{client: c, out: out, stderr: stderr}
	err = cmd.dispatch(ctx, fs.Arg(0), fs.Args()[1:])
	if errors.Is(err, errUsage) {
		fs.Usage()
	}
	return errors.Join(err, c.Close())
}
