// Command starnode launches one star-overlay peer: it parses the
// positional CLI arguments of SPEC_FULL.md §6, starts the node, and runs
// the interactive command shell (send / show-status / show-log /
// disconnect) against stdin, the Go analogue of the teacher's core/main.go
// bootstrap.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ahijaouy/starnet/internal/node"
	"github.com/ahijaouy/starnet/pkg/logger"
)

const (
	version = "1.0.0"
)

func main() {
	logger.Banner("StarNet Overlay Node", version)

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		logger.Fatal(logger.Fields{"err": err}, "failed to parse arguments")
	}

	logger.Info(logger.Fields{
		"name":      cfg.Name,
		"port":      cfg.LocalPort,
		"poc_host":  cfg.PoCHost,
		"poc_port":  cfg.PoCPort,
		"max_nodes": cfg.MaxNodes,
	}, "configuration loaded")

	n, err := node.New(cfg)
	if err != nil {
		logger.Fatal(logger.Fields{"err": err}, "failed to start node")
	}
	n.Start()
	logger.Success(nil, "node %q listening", cfg.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	lineCh := make(chan string)
	go readStdinLines(lineCh)

	for {
		select {
		case sig := <-sigCh:
			logger.Warn(logger.Fields{"signal": sig.String()}, "received signal, disconnecting")
			n.Disconnect()
			os.Exit(0)
		case line, ok := <-lineCh:
			if !ok {
				n.Disconnect()
				os.Exit(0)
			}
			if exit := runCommand(n, line); exit {
				os.Exit(0)
			}
		}
	}
}

func readStdinLines(out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	close(out)
}

// runCommand executes one interactive command per SPEC_FULL.md §6. It
// returns true when the process should exit (the `disconnect` command).
func runCommand(n *node.Node, line string) bool {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return false
	}

	switch tokens[0] {
	case "send":
		handleSend(n, tokens[1:])
	case "show-status":
		fmt.Print(node.FormatStatus(n.Status()))
	case "show-log":
		for _, l := range n.ActivityLog() {
			fmt.Println(l)
		}
	case "disconnect":
		n.Disconnect()
		return true
	default:
		fmt.Println("commands: send <text...|path>, show-status, show-log, disconnect")
	}
	return false
}

func handleSend(n *node.Node, args []string) {
	if len(args) == 0 {
		fmt.Println("usage: send <text...> | send <path>")
		return
	}

	if data, err := os.ReadFile(args[0]); err == nil {
		basename := filepath.Base(args[0])
		if sendErr := n.SendFile(args[0], basename, data); sendErr != nil {
			fmt.Printf("send failed: %v\n", sendErr)
		}
		return
	}

	text := strings.Join(args, " ")
	if err := n.SendText(text); err != nil {
		fmt.Printf("send failed: %v\n", err)
	}
}

// loadConfig parses the positional arguments `name local_port poc_host
// poc_port max_nodes`. poc_host/poc_port of "0" mean no point-of-contact.
// Argument parsing is deliberately kept on the standard library per
// SPEC_FULL.md §10: the spec places it outside the core engineering scope,
// and no repo in the retrieval pack reaches for a flag/config library for
// five positional arguments.
func loadConfig(args []string) (node.Config, error) {
	if len(args) < 5 {
		return node.Config{}, fmt.Errorf("usage: starnode <name> <local_port> <poc_host> <poc_port> <max_nodes> [metrics_addr]")
	}

	name := args[0]
	port, err := node.ParsePort(args[1])
	if err != nil {
		return node.Config{}, err
	}
	pocHost := args[2]
	pocPort, err := strconv.Atoi(args[3])
	if err != nil {
		return node.Config{}, fmt.Errorf("invalid poc_port %q: %w", args[3], err)
	}
	if pocHost == "0" {
		pocHost = ""
	}
	maxNodes, err := strconv.Atoi(args[4])
	if err != nil {
		return node.Config{}, fmt.Errorf("invalid max_nodes %q: %w", args[4], err)
	}

	metricsAddr := ""
	if len(args) >= 6 {
		metricsAddr = args[5]
	}

	return node.Config{
		Name:        name,
		LocalPort:   port,
		PoCHost:     pocHost,
		PoCPort:     pocPort,
		MaxNodes:    maxNodes,
		MetricsAddr: metricsAddr,
	}, nil
}
