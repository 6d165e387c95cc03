// Package main provides the proxybridgectl command line client.
//
// It talks to the proxybridge daemon over its UNIX control socket:
//
//	proxybridgectl connect <server-id>
//	proxybridgectl disconnect
//	proxybridgectl status
//	proxybridgectl servers
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/luminavpn/proxybridge/internal/config"
	"github.com/luminavpn/proxybridge/internal/control"
)

var version = "dev"

func main() {
	socketFlag := flag.String("socket", "", "Control socket path (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("proxybridgectl %s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	socketPath := *socketFlag
	if socketPath == "" {
		socketPath = defaultSocketPath()
	}

	if err := run(socketPath, args); err != nil {
		fmt.Fprintf(os.Stderr, "proxybridgectl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: proxybridgectl [flags] <command>

Commands:
  connect <server-id>   Establish a proxy connection
  disconnect            Tear down the active connection
  status                Show connection state and statistics
  servers               List available servers

Flags:
`)
	flag.PrintDefaults()
}

func defaultSocketPath() string {
	paths, err := config.GetPaths()
	if err != nil {
		return config.DefaultConfig().ControlSocketPath
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return config.DefaultConfig().ControlSocketPath
	}
	return cfg.ControlSocketPath
}

func run(socketPath string, args []string) error {
	client, err := control.Dial(socketPath)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), control.DefaultTimeout)
	defer cancel()

	switch args[0] {
	case "connect":
		if len(args) != 2 {
			return fmt.Errorf("usage: connect <server-id>")
		}
		if err := client.Connect(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Connected to %s\n", args[1])
		return nil

	case "disconnect":
		if err := client.Disconnect(ctx); err != nil {
			return err
		}
		fmt.Println("Disconnected")
		return nil

	case "status":
		status, err := client.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(status)
		return nil

	case "servers":
		servers, err := client.Servers(ctx)
		if err != nil {
			return err
		}
		printServers(servers)
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printStatus(status *control.StatusResult) {
	fmt.Printf("State:    %s\n", status.State)
	if status.ServerID != "" {
		fmt.Printf("Server:   %s\n", status.ServerID)
	}
	if status.ProxyHost != "" {
		fmt.Printf("Proxy:    %s:%d\n", status.ProxyHost, status.ProxyPort)
	}
	if status.Uptime > 0 {
		fmt.Printf("Uptime:   %s\n", status.Uptime.Round(time.Second))
	}
	if status.TotalChecks > 0 {
		fmt.Printf("Health:   %d checks, %.0f%% ok\n", status.TotalChecks, status.SuccessRate)
	}
	if status.RetryCount > 0 {
		fmt.Printf("Retries:  %d\n", status.RetryCount)
	}
	if status.CredentialRefreshes > 0 {
		fmt.Printf("Renewals: %d\n", status.CredentialRefreshes)
	}
	if status.LastError != "" {
		fmt.Printf("Error:    %s\n", status.LastError)
	}
}

func printServers(servers []control.ServerInfo) {
	if len(servers) == 0 {
		fmt.Println("No servers available")
		return
	}
	for _, s := range servers {
		state := "online"
		if !s.Online {
			state = "offline"
		}
		fmt.Printf("%-12s %-20s %-4s %s\n", s.ID, s.Name, s.Country, state)
	}
}
