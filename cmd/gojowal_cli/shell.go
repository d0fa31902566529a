package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func newShellCommand(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run commands interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shellLoop(cmd, o)
		},
	}
}

func historyFile() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".gojowal_history")
	}
	return filepath.Join(os.TempDir(), "gojowal_history")
}

func shellLoop(parent *cobra.Command, o *cliOptions) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "gojowal> ",
		HistoryFile:       historyFile(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if len(line) == 0 {
					return nil
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return nil
		}
		if args[0] == "shell" {
			fmt.Fprintln(l.Stderr(), "already in the shell")
			continue
		}
		runShellLine(parent, o, args, l)
	}
}

// runShellLine executes one line with a fresh command tree. Flags given on
// the line apply to that line only.
func runShellLine(parent *cobra.Command, o *cliOptions, args []string, l *readline.Instance) {
	lineOpts := *o
	root := newRootCommand(&lineOpts)
	root.SetArgs(args)
	root.SetOut(l.Stdout())
	root.SetErr(l.Stderr())
	if err := root.ExecuteContext(parent.Context()); err != nil {
		fmt.Fprintln(l.Stderr(), "Error:", err)
	}
}
