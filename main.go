// The heapdive command is the controller CLI: it attaches to a process that
// embeds the diver, enumerates its heap, pins objects and drives them
// remotely. Run "heapdive help" for a list of commands, or with no command
// for an interactive shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/heapdive/heapdive/client"
)

var cfg struct {
	endpoint    string
	interactive bool
}

// session is the lazily-attached connection shared by shell commands.
var session *client.Session

var cmdRoot = &cobra.Command{
	Use:   "heapdive",
	Short: "heapdive inspects and drives live objects in a diver-enabled process",
	Long: `
heapdive attaches to a running process that embeds the diver listener,
enumerates its live heap objects, pins chosen objects to stable handles,
and remotely invokes methods, reads and writes fields, and subscribes to
events and method hooks on them.

With no command, heapdive enters an interactive shell against the
endpoint. With a command, it runs that command and exits.

  heapdive -e 127.0.0.1:9977 heap --filter game.Player
`,
	Args: cobra.ExactArgs(0),
	Run:  runShell,
}

func attach() (*client.Session, error) {
	if session != nil {
		return session, nil
	}
	sess, err := client.Attach(cfg.endpoint)
	if err != nil {
		return nil, err
	}
	if cfg.interactive {
		session = sess
	}
	return sess, nil
}

// done releases a one-shot session; the shell keeps its session open.
func done(sess *client.Session) {
	if !cfg.interactive {
		sess.Dispose()
	}
}

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	if !cfg.interactive {
		os.Exit(1)
	}
}

func main() {
	cmdRoot.PersistentFlags().StringVarP(&cfg.endpoint, "endpoint", "e", "127.0.0.1:9977", "diver endpoint (host:port)")

	cmdRoot.AddCommand(
		cmdPing,
		cmdTypes,
		cmdHeap,
		cmdPin,
		cmdUnpin,
		cmdInvoke,
		cmdGet,
		cmdSet,
		cmdStatic,
		cmdSubscribe,
		cmdHook,
		cmdDemo,
	)

	if err := cmdRoot.Execute(); err != nil {
		os.Exit(1)
	}
}
