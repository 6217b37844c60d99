package main

import (
	"context"
	"fmt"
	"os"
)

// consoleUI prints progress on a single terminal line. The download is cancelled when ctx is done.
type consoleUI struct {
	ctx   context.Context
	title string
}

func (u *consoleUI) SetProgressTitle(title string) {
	u.title = title
}

func (u *consoleUI) UpdateProgress(label, extra, eta string, fraction float32) {
	fmt.Fprintf(os.Stderr, "\r%-11s %s %5.1f%% %-10s %-14s", u.title, label, fraction*100, extra, eta)
}

func (u *consoleUI) IsCancelled() bool {
	return u.ctx.Err() != nil
}

func (u *consoleUI) ShowError(msg string) {
	fmt.Fprintln(os.Stderr, "\nerror:", msg)
}
