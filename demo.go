package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/heapdive/heapdive/config"
	"github.com/heapdive/heapdive/diver"
	"github.com/heapdive/heapdive/heap"
	"github.com/heapdive/heapdive/hook"
)

// The demo target: a toy game world that mutates itself so there is
// something to enumerate, pin, invoke and subscribe to.

type demoPlayer struct {
	*hook.Emitter
	Name  string
	Zone  string
	Score int

	hooks *hook.Registry
}

var demoZones = []string{"harbor", "forest", "keep", "mines"}

func newDemoPlayer(name string, hooks *hook.Registry) *demoPlayer {
	return &demoPlayer{
		Emitter: hook.NewEmitter("zone_changed", "scored"),
		Name:    name,
		Zone:    demoZones[0],
		hooks:   hooks,
	}
}

// MoveTo is instrumented: entry/exit flow through the hook registry.
func (p *demoPlayer) MoveTo(zone string) string {
	p.hooks.Enter("demo.player", "MoveTo", p.Name, zone)
	prev := p.Zone
	p.Zone = zone
	p.Emit("zone_changed", p, zone)
	p.hooks.Exit("demo.player", "MoveTo", prev)
	return prev
}

func (p *demoPlayer) AddScore(n int) int {
	p.Score += n
	p.Emit("scored", p, p.Score)
	return p.Score
}

type demoWorld struct {
	Name    string
	Players []*demoPlayer
}

var demoVersion = "0.3.0"

func demoUptime(start time.Time) func() string {
	return func() string { return time.Since(start).Round(time.Second).String() }
}

var demoConfigPath string

var cmdDemo = &cobra.Command{
	Use:   "demo",
	Short: "run a sample diver-enabled target process",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		diverCfg, err := config.Load(demoConfigPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad config: %v\n", err)
			os.Exit(1)
		}

		hooks := hook.NewRegistry()
		world := &demoWorld{Name: "aldermoor"}
		for _, name := range []string{"brin", "calla", "dorn"} {
			world.Players = append(world.Players, newDemoPlayer(name, hooks))
		}

		reg := heap.NewRegistry()
		if err := reg.RegisterRoot("demo", "world", world); err != nil {
			fmt.Fprintf(os.Stderr, "failed to register world: %v\n", err)
			os.Exit(1)
		}
		reg.RegisterStatic("demo", "Version", &demoVersion)
		reg.RegisterStatic("demo", "Uptime", demoUptime(time.Now()))

		srv, err := diver.NewServer(diverCfg, reg, hooks)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start diver: %v\n", err)
			os.Exit(1)
		}
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := srv.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to bind listener: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Demo target running, diver on %s\n", srv.Addr())
		fmt.Println("Try: heapdive -e " + srv.Addr() + " heap demo")

		// Keep the world moving so subscriptions have something to see.
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					p := world.Players[rand.Intn(len(world.Players))]
					p.MoveTo(demoZones[rand.Intn(len(demoZones))])
					p.AddScore(rand.Intn(10))
				}
			}
		}()

		fmt.Println("Press Ctrl+C to stop")
		waitForInterrupt()
	},
}

func init() {
	cmdDemo.Flags().StringVar(&demoConfigPath, "config", "", "YAML config file for the diver")
}
