package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"fallsense/internal/monitor"
	"fallsense/internal/report"
)

// controller is the part of the daemon the command loop drives.
type controller interface {
	Acknowledge(ctx context.Context, res report.Resolution) (report.Report, error)
	Reset(ctx context.Context) error
	ZeroAltitude(ctx context.Context) error
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	Snapshot() monitor.Snapshot
}

const controlHelp = "commands: ok | help | reset | zero | lock | unlock | status | quit"

// runControl reads one command per line until EOF, "quit" or ctx ends.
func runControl(ctx context.Context, in io.Reader, out io.Writer, c controller) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		cmd := strings.ToLower(strings.TrimSpace(sc.Text()))
		if cmd == "" {
			continue
		}
		if cmd == "quit" {
			return nil
		}
		msg, err := dispatch(ctx, cmd, c)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, msg)
	}
	return sc.Err()
}

func dispatch(ctx context.Context, cmd string, c controller) (string, error) {
	switch cmd {
	case "ok", "help":
		res := report.ResolutionOK
		if cmd == "help" {
			res = report.ResolutionCallHelp
		}
		r, err := c.Acknowledge(ctx, res)
		if errors.Is(err, report.ErrNoPending) {
			return "", fmt.Errorf("no fall to acknowledge")
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s resolved as %s", r.ID, r.Resolution), nil
	case "reset":
		return "detector reset", c.Reset(ctx)
	case "zero":
		return "altitude zeroed", c.ZeroAltitude(ctx)
	case "lock":
		return "estimators locked", c.Lock(ctx)
	case "unlock":
		return "estimators unlocked", c.Unlock(ctx)
	case "status":
		b, err := json.Marshal(statusOf(c.Snapshot(), time.Now().UTC()))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return "", fmt.Errorf("unknown command %q (%s)", cmd, controlHelp)
}
