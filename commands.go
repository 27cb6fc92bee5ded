package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/heapdive/heapdive/client"
	"github.com/heapdive/heapdive/types"
)

var cmdPing = &cobra.Command{
	Use:   "ping",
	Short: "check the diver answers",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := attach()
		if err != nil {
			exitf("%v\n", err)
			return
		}
		defer done(sess)
		fmt.Printf("%s is alive\n", cfg.endpoint)
	},
}

var typesDomain string

var cmdTypes = &cobra.Command{
	Use:   "types [filter]",
	Short: "list resolvable types, optionally filtered by substring",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := attach()
		if err != nil {
			exitf("%v\n", err)
			return
		}
		defer done(sess)

		filter := ""
		if len(args) == 1 {
			filter = args[0]
		}
		infos, err := sess.EnumerateTypes(filter, typesDomain)
		if err != nil {
			exitf("%v\n", err)
			return
		}
		t := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(t, "domain\ttype\tmethods\tfields\n")
		for _, ti := range infos {
			fmt.Fprintf(t, "%s\t%s\t%s\t%s\n", ti.Domain, ti.Name,
				strings.Join(ti.Methods, ","), strings.Join(ti.Fields, ","))
		}
		t.Flush()
	},
}

var heapWithHashes bool

var cmdHeap = &cobra.Command{
	Use:   "heap [filter]",
	Short: "enumerate live heap objects",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := attach()
		if err != nil {
			exitf("%v\n", err)
			return
		}
		defer done(sess)

		filter := ""
		if len(args) == 1 {
			filter = args[0]
		}
		res, err := sess.EnumerateHeap(filter, heapWithHashes)
		if err != nil {
			exitf("%v\n", err)
			return
		}

		t := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(t, "address\tsize\tdomain\ttype\thash\n")
		var total uint64
		for _, o := range res.Objects {
			hash := ""
			if o.IdentityHash != 0 {
				hash = fmt.Sprintf("%016x", o.IdentityHash)
			}
			fmt.Fprintf(t, "0x%x\t%s\t%s\t%s\t%s\n",
				o.Address, humanize.Bytes(o.Size), o.Domain, o.TypeName, hash)
			total += o.Size
		}
		t.Flush()
		fmt.Printf("%d objects, %s total (%d scanned, %d errors, pass took %v)\n",
			len(res.Objects), humanize.Bytes(total), res.Scanned, res.Errors, res.Duration)
	},
}

var pinType string

var cmdPin = &cobra.Command{
	Use:   "pin <address>",
	Short: "pin an enumerated address to a stable handle",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := attach()
		if err != nil {
			exitf("%v\n", err)
			return
		}
		defer done(sess)

		addr, err := parseAddr(args[0])
		if err != nil {
			exitf("%v\n", err)
			return
		}
		ref, err := sess.Pin(addr, pinType, nil)
		if err != nil {
			exitf("%v\n", err)
			return
		}
		fmt.Printf("pinned %s at handle 0x%x\n", ref.TypeName(), ref.Handle())
	},
}

var cmdUnpin = &cobra.Command{
	Use:   "unpin <handle>",
	Short: "release a pinned handle",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := attach()
		if err != nil {
			exitf("%v\n", err)
			return
		}
		defer done(sess)

		handle, err := parseAddr(args[0])
		if err != nil {
			exitf("%v\n", err)
			return
		}
		if err := sess.Object(handle, "").Release(); err != nil {
			exitf("%v\n", err)
			return
		}
		fmt.Printf("unpinned 0x%x\n", handle)
	},
}

var cmdInvoke = &cobra.Command{
	Use:   "invoke <handle> <method> [args...]",
	Short: "call a method on a pinned object",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := attach()
		if err != nil {
			exitf("%v\n", err)
			return
		}
		defer done(sess)

		handle, err := parseAddr(args[0])
		if err != nil {
			exitf("%v\n", err)
			return
		}
		out, err := sess.Object(handle, "").Invoke(args[1], parseArgs(sess, args[2:])...)
		if err != nil {
			exitf("%v\n", err)
			return
		}
		printResults(out)
	},
}

var cmdGet = &cobra.Command{
	Use:   "get <handle> <field>",
	Short: "read an exported field",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := attach()
		if err != nil {
			exitf("%v\n", err)
			return
		}
		defer done(sess)

		handle, err := parseAddr(args[0])
		if err != nil {
			exitf("%v\n", err)
			return
		}
		v, err := sess.Object(handle, "").GetField(args[1])
		if err != nil {
			exitf("%v\n", err)
			return
		}
		printResults([]any{v})
	},
}

var cmdSet = &cobra.Command{
	Use:   "set <handle> <field> <value>",
	Short: "write an exported field",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := attach()
		if err != nil {
			exitf("%v\n", err)
			return
		}
		defer done(sess)

		handle, err := parseAddr(args[0])
		if err != nil {
			exitf("%v\n", err)
			return
		}
		stored, err := sess.Object(handle, "").SetField(args[1], parseArg(sess, args[2]))
		if err != nil {
			exitf("%v\n", err)
			return
		}
		printResults([]any{stored})
	},
}

var cmdStatic = &cobra.Command{
	Use:   "static <domain> <name> [args...]",
	Short: "call a registered static function (or read a static variable with no args)",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := attach()
		if err != nil {
			exitf("%v\n", err)
			return
		}
		defer done(sess)

		out, err := sess.InvokeStatic(args[0], args[1], parseArgs(sess, args[2:])...)
		if err != nil {
			// Fall back to a variable read for bare names.
			if len(args) == 2 {
				if v, gerr := sess.GetStatic(args[0], args[1]); gerr == nil {
					printResults([]any{v})
					return
				}
			}
			exitf("%v\n", err)
			return
		}
		printResults(out)
	},
}

var subscribeFilter string

var cmdSubscribe = &cobra.Command{
	Use:   "subscribe <handle> <event>",
	Short: "stream an object's event until interrupted",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := attach()
		if err != nil {
			exitf("%v\n", err)
			return
		}
		defer done(sess)

		handle, err := parseAddr(args[0])
		if err != nil {
			exitf("%v\n", err)
			return
		}
		rule, err := loadFilter(subscribeFilter)
		if err != nil {
			exitf("%v\n", err)
			return
		}
		token, err := sess.Object(handle, "").Subscribe(args[1], printCallback, rule)
		if err != nil {
			exitf("%v\n", err)
			return
		}
		fmt.Printf("subscribed (token %d), press Ctrl+C to stop\n", token)
		waitForInterrupt()
		sess.Unsubscribe(token)
	},
}

var hookFilter string

var cmdHook = &cobra.Command{
	Use:   "hook <type> <method> <entry|exit|around>",
	Short: "stream a method hook until interrupted (type \"native\" uses uprobes)",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := attach()
		if err != nil {
			exitf("%v\n", err)
			return
		}
		defer done(sess)

		rule, err := loadFilter(hookFilter)
		if err != nil {
			exitf("%v\n", err)
			return
		}
		token, err := sess.InstallHook(args[0], args[1], args[2], printCallback, rule)
		if err != nil {
			exitf("%v\n", err)
			return
		}
		fmt.Printf("hooked %s.%s at %s (token %d), press Ctrl+C to stop\n", args[0], args[1], args[2], token)
		waitForInterrupt()
		sess.RemoveHook(token)
	},
}

func init() {
	cmdTypes.Flags().StringVar(&typesDomain, "domain", "", "restrict to one root domain")
	cmdHeap.Flags().BoolVar(&heapWithHashes, "hashes", false, "compute identity hashes (slower pass)")
	cmdPin.Flags().StringVar(&pinType, "type", "", "expected type name")
	cmdSubscribe.Flags().StringVar(&subscribeFilter, "filter", "", "sigma rule YAML file applied before delivery")
	cmdHook.Flags().StringVar(&hookFilter, "filter", "", "sigma rule YAML file applied before delivery")
}

func printCallback(cb types.Callback) {
	parts := make([]string, 0, len(cb.Args))
	for _, a := range cb.Args {
		switch a.Kind {
		case types.ValueRemote:
			parts = append(parts, fmt.Sprintf("remote<%s>@0x%x", a.Type, a.Address))
		default:
			v, err := a.Decode()
			if err != nil {
				parts = append(parts, fmt.Sprintf("?<%s>", a.Kind))
				continue
			}
			parts = append(parts, fmt.Sprintf("%v", v))
		}
	}
	fmt.Printf("[%s] token=%d %s\n", cb.Timestamp.Format("15:04:05.000"), cb.Token, strings.Join(parts, " "))
}

func printResults(out []any) {
	for _, v := range out {
		if ref, ok := v.(interface {
			Handle() uint64
			TypeName() string
		}); ok {
			fmt.Printf("remote<%s> pinned at handle 0x%x\n", ref.TypeName(), ref.Handle())
			continue
		}
		fmt.Printf("%v\n", v)
	}
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %v", s, err)
	}
	return v, nil
}

// parseArg maps a command-line token onto a wire value: nil, bool, number,
// handle:<hex> for a pinned reference, else string.
func parseArg(sess *client.Session, s string) any {
	switch s {
	case "nil", "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if strings.HasPrefix(s, "handle:") {
		if addr, err := parseAddr(strings.TrimPrefix(s, "handle:")); err == nil {
			return sess.Object(addr, "")
		}
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return s
}

func parseArgs(sess *client.Session, ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, parseArg(sess, s))
	}
	return out
}

// loadFilter reads a sigma rule file for the --filter flags.
func loadFilter(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read filter rule: %v", err)
	}
	return string(data), nil
}

func waitForInterrupt() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("Shutting down...")
}
