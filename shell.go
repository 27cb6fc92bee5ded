package main

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

// runShell enters interactive mode against the endpoint: every subcommand
// is available at the prompt over one shared session.
func runShell(cmd *cobra.Command, args []string) {
	cfg.interactive = true

	sess, err := attach()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer sess.Dispose()

	// A dummy root so subcommands run without re-parsing global flags.
	root := &cobra.Command{}
	for _, subcmd := range cmd.Commands() {
		if subcmd.Name() == "help" {
			root.SetHelpCommand(subcmd)
			continue
		}
		if subcmd.Name() == "demo" {
			continue
		}
		root.AddCommand(subcmd)
	}
	root.AddCommand(&cobra.Command{
		Use:     "exit",
		Aliases: []string{"quit", "bye"},
		Short:   "exit the shell",
		Run: func(*cobra.Command, []string) {
			sess.Dispose()
			os.Exit(0)
		},
	})

	rootCompleter := readline.NewPrefixCompleter()
	for _, child := range root.Commands() {
		cmdToCompleter(rootCompleter, child)
	}

	shell, err := readline.NewEx(&readline.Config{
		Prompt:       "(heapdive) ",
		AutoComplete: rootCompleter,
		EOFPrompt:    "\n",
	})
	if err != nil {
		panic(err)
	}
	defer shell.Close()

	fmt.Fprintf(shell.Terminal, "Attached to %s (session %s)\n", cfg.endpoint, sess.ID())
	fmt.Fprintf(shell.Terminal, "Entering interactive mode (type 'help' for commands)\n")

	for {
		l, err := shell.Readline()
		if err != nil {
			if err != io.EOF {
				fmt.Printf("Error: %v\n", err)
			}
			break
		}
		if strings.TrimSpace(l) == "" {
			continue
		}
		if err := capturePanic(func() {
			root.ResetFlags()
			root.SetArgs(strings.Fields(l))
			root.Execute()
		}); err != nil {
			fmt.Printf("Error while trying to run command %q: %v\n", l, err)
		}
	}
}

func cmdToCompleter(parent readline.PrefixCompleterInterface, c *cobra.Command) {
	completer := readline.PcItem(c.Name())
	parent.SetChildren(append(parent.GetChildren(), completer))
	for _, child := range c.Commands() {
		cmdToCompleter(completer, child)
	}
}

func capturePanic(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "%s\n", debug.Stack())
			err = fmt.Errorf("%v", r)
		}
	}()
	fn()
	return nil
}
