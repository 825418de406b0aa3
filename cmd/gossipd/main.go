// Command gossipd is a thin demonstration of the cluster package: it
// binds a node, optionally joins an existing cluster, and prints every
// member/user/query event it sees. It is not a CLI surface for the
// library, just enough wiring to show Create/Join/UserEvent/Query
// working end to end from a terminal.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/hashicorp/gossipd/cluster"
)

func main() {
	var (
		name  = flag.String("name", "", "node name (defaults to hostname)")
		bind  = flag.String("bind", "0.0.0.0", "address to bind to")
		port  = flag.Int("port", 7946, "port to bind to")
		join  = flag.String("join", "", "comma-separated addresses of an existing cluster to join")
		snap  = flag.String("snapshot", "", "path to a snapshot file for auto-rejoin")
		event = flag.String("event", "", "fire a single user event of this name at startup, with -payload, then exit")
		value = flag.String("payload", "", "payload for -event")
	)
	flag.Parse()

	if *name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "gossipd-node"
		}
		*name = hostname
	}

	eventCh := make(chan cluster.Event, 256)

	conf := cluster.DefaultConfig()
	conf.NodeName = *name
	conf.EventCh = eventCh
	conf.SnapshotPath = *snap
	conf.MemberlistConfig.BindAddr = *bind
	conf.MemberlistConfig.BindPort = *port
	conf.MemberlistConfig.LogOutput = os.Stderr

	c, err := cluster.Create(conf)
	if err != nil {
		log.Fatalf("gossipd: failed to start: %v", err)
	}
	defer c.Shutdown()

	if *join != "" {
		addrs := strings.Split(*join, ",")
		n, err := c.Join(addrs, false)
		if err != nil {
			log.Fatalf("gossipd: failed to join %v: %v", addrs, err)
		}
		fmt.Printf("joined %d/%d nodes\n", n, len(addrs))
	}

	go printEvents(eventCh)

	if *event != "" {
		if err := c.UserEvent(*event, []byte(*value), false); err != nil {
			log.Fatalf("gossipd: failed to fire event: %v", err)
		}
		return
	}

	runShell(c)
}

// printEvents prints every member/user/query event as it arrives. Nothing
// closes the channel, so it runs until the process exits.
func printEvents(eventCh <-chan cluster.Event) {
	for e := range eventCh {
		switch ev := e.(type) {
		case cluster.MemberEvent:
			for _, m := range ev.Members {
				fmt.Printf("[event] %s: %s (%s:%d)\n", ev.Type, m.Name, m.Addr, m.Port)
			}
		case cluster.UserEvent:
			fmt.Printf("[event] user: %s = %q\n", ev.Name, ev.Payload)
		case *cluster.Query:
			fmt.Printf("[event] query: %s = %q\n", ev.Name(), ev.Payload())
			ev.Respond([]byte("ack from " + ev.Name()))
		}
	}
}

// runShell reads newline-delimited commands from stdin until EOF: "members"
// lists the current member set, "leave" exits gracefully, anything else
// is broadcast as a user event named by the first word.
func runShell(c *cluster.Cluster) {
	fmt.Println("commands: members | leave | <event-name> <payload>")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "members":
			for _, m := range c.Members() {
				fmt.Printf("  %s\t%s:%d\t%s\n", m.Name, m.Addr, m.Port, m.Status)
			}
		case line == "leave":
			if err := c.Leave(); err != nil {
				fmt.Fprintf(os.Stderr, "leave: %v\n", err)
			}
			return
		default:
			parts := strings.SplitN(line, " ", 2)
			var payload string
			if len(parts) == 2 {
				payload = parts[1]
			}
			if err := c.UserEvent(parts[0], []byte(payload), false); err != nil {
				fmt.Fprintf(os.Stderr, "event: %v\n", err)
			}
		}
	}
}
