package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rexliu/dappbridge/pkg/config"
	"github.com/rexliu/dappbridge/pkg/core"
	"github.com/rexliu/dappbridge/pkg/ipc"
)

const version = "0.1.0"

var commands = map[string]func([]string) error{
	"ping":     pingCommand,
	"dapps":    dappsCommand,
	"account":  accountCommand,
	"tabs":     tabsCommand,
	"networks": networksCommand,
	"watch":    watchCommand,
	"diag":     diagCommand,
	"remote":   remoteCommand,
	"vcs":      vcsCommand,
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "init":
		initProfile()
		return
	case "version":
		fmt.Printf("dappctl %s\n", version)
		return
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err := cmd(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: dappctl <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init      Initialize a local profile (writes config.toml)")
	fmt.Println("  ping      Call the daemon ping endpoint via IPC")
	fmt.Println("  dapps list|show|disconnect   Inspect or revoke dapp connections")
	fmt.Println("  account list|set             Manage the wallet's active account")
	fmt.Println("  tabs      List tabs connected to the daemon")
	fmt.Println("  networks  List configured chains")
	fmt.Println("  watch     Stream daemon events (dapp and account changes, notifications)")
	fmt.Println("  diag      Print profile configuration paths")
	fmt.Println("  remote    Manage Git remote configuration (set/show)")
	fmt.Println("  vcs push|pull|status         Sync connection history via the daemon")
	fmt.Println("  version   Print CLI version")
}

func initProfile() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	profilePath := fs.String("profile", "./_dev_profile", "Profile directory")
	name := fs.String("name", "dev", "Profile name")
	force := fs.Bool("force", false, "Overwrite existing config if present")
	_ = fs.Parse(os.Args[2:])
	if err := os.MkdirAll(*profilePath, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "init error: %v\n", err)
		os.Exit(1)
	}
	configPath := filepath.Join(*profilePath, config.FileName)
	if _, err := os.Stat(configPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "config already exists at %s (use --force to overwrite)\n", configPath)
		os.Exit(1)
	}
	cfg := config.DefaultProfile(*name)
	if err := config.Save(configPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("initialized profile %s at %s\n", cfg.ProfileName, *profilePath)
}

// connFlags registers the flags every daemon-facing command shares.
func connFlags(fs *flag.FlagSet) (profile, socket *string) {
	profile = fs.String("profile", "./_dev_profile", "Profile directory")
	socket = fs.String("socket", "", "Override socket path")
	return profile, socket
}

func pingCommand(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	profile, socket := connFlags(fs)
	_ = fs.Parse(args)

	var data struct {
		Now int64 `json:"now"`
	}
	start := time.Now()
	if err := rpcCall(*profile, *socket, "ping", nil, &data); err != nil {
		return err
	}
	fmt.Printf("daemon responded: now=%d rtt=%s\n", data.Now, time.Since(start).Round(time.Microsecond))
	return nil
}

func dappsCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dappctl dapps <list|show|disconnect> [options]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("dapps "+sub, flag.ExitOnError)
	profile, socket := connFlags(fs)
	origin := fs.String("origin", "", "Dapp origin (show, disconnect)")
	_ = fs.Parse(args[1:])

	switch sub {
	case "list":
		return printCall(*profile, *socket, "list_dapps", nil)
	case "show", "disconnect":
		if *origin == "" {
			return fmt.Errorf("--origin is required")
		}
		if _, err := core.CanonicalOrigin(*origin); err != nil {
			return fmt.Errorf("%s: %w", *origin, err)
		}
		method := "get_dapp"
		if sub == "disconnect" {
			method = "disconnect_dapp"
		}
		return printCall(*profile, *socket, method, map[string]string{"origin": *origin})
	default:
		return fmt.Errorf("unknown dapps subcommand %q", sub)
	}
}

func accountCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dappctl account <list|set> [options]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("account "+sub, flag.ExitOnError)
	profile, socket := connFlags(fs)
	address := fs.String("address", "", "Account address (set)")
	name := fs.String("name", "", "Account label (set)")
	_ = fs.Parse(args[1:])

	switch sub {
	case "list":
		return printCall(*profile, *socket, "accounts", nil)
	case "set":
		if _, err := core.ParseAddress(*address); err != nil {
			return err
		}
		return printCall(*profile, *socket, "set_active_account", map[string]string{"address": *address, "name": *name})
	default:
		return fmt.Errorf("unknown account subcommand %q", sub)
	}
}

func tabsCommand(args []string) error {
	fs := flag.NewFlagSet("tabs", flag.ExitOnError)
	profile, socket := connFlags(fs)
	_ = fs.Parse(args)
	return printCall(*profile, *socket, "tabs", nil)
}

func networksCommand(args []string) error {
	fs := flag.NewFlagSet("networks", flag.ExitOnError)
	profile, socket := connFlags(fs)
	_ = fs.Parse(args)
	return printCall(*profile, *socket, "networks", nil)
}

func watchCommand(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	profile, socket := connFlags(fs)
	_ = fs.Parse(args)
	topics := fs.Args()

	socketPath, err := resolveSocketPath(*profile, *socket)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	client, err := ipc.Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	client.OnPush(func(p ipc.Push) {
		fmt.Printf("%s %s %s\n", time.Now().Format(time.RFC3339), p.Topic, string(p.Data))
	})
	if err := client.Call(ctx, "subscribe", map[string]any{"topics": topics}, nil); err != nil {
		return err
	}
	fmt.Println("Subscribed to daemon events (Ctrl+C to exit)")
	select {
	case <-ctx.Done():
		return nil
	case <-client.Done():
		return errors.New("daemon closed the connection")
	}
}

func diagCommand(args []string) error {
	fs := flag.NewFlagSet("diag", flag.ExitOnError)
	profile := fs.String("profile", "./_dev_profile", "Profile directory")
	_ = fs.Parse(args)
	cfg, err := config.LoadProfile(*profile)
	if err != nil {
		return err
	}
	fmt.Printf("Profile: %s\n", cfg.ProfileName)
	fmt.Printf("Config: %s\n", filepath.Join(*profile, config.FileName))
	fmt.Printf("DB Path: %s (journal=%s, synchronous=%s)\n", config.ResolvePath(*profile, cfg.Storage.DBPath), cfg.Storage.JournalMode, cfg.Storage.Synchronous)
	fmt.Printf("Socket: %s\n", config.ResolvePath(*profile, cfg.IPC.SocketPath))
	if cfg.Logging.FilePath != "" {
		fmt.Printf("Log File: %s\n", config.ResolvePath(*profile, cfg.Logging.FilePath))
	}
	fmt.Printf("Default Chain: %s\n", core.ChainID(cfg.Wallet.DefaultChainID).Hex())
	fmt.Printf("Request Timeout: %s\n", cfg.Wallet.RequestTimeout.Duration)
	for _, n := range cfg.Wallet.Networks {
		fmt.Printf("Network: %s %s %s\n", n.Name, core.ChainID(n.ChainID).Hex(), n.RPCURL)
	}
	fmt.Printf("VCS Branch: %s (enabled=%t, autoPush=%t)\n", cfg.VCS.Branch, cfg.VCS.Enabled, cfg.VCS.AutoPush)
	if cfg.VCS.Remote.URL != "" {
		fmt.Printf("Remote URL: %s\n", cfg.VCS.Remote.URL)
	}
	return nil
}

func remoteCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dappctl remote <set|show> [options]")
	}
	sub := args[0]
	switch sub {
	case "set":
		fs := flag.NewFlagSet("remote set", flag.ExitOnError)
		profile := fs.String("profile", "./_dev_profile", "Profile directory")
		url := fs.String("url", "", "Remote Git URL")
		cred := fs.String("credential", "", "Credential reference, e.g. env:GIT_TOKEN (optional)")
		_ = fs.Parse(args[1:])
		if *url == "" {
			return fmt.Errorf("--url is required")
		}
		cfg, err := config.LoadProfile(*profile)
		if err != nil {
			return err
		}
		cfg.VCS.Remote.URL = *url
		cfg.VCS.Remote.CredentialRef = *cred
		cfg.VCS.Enabled = true
		if err := config.Save(filepath.Join(*profile, config.FileName), cfg); err != nil {
			return err
		}
		fmt.Printf("remote set to %s (restart the daemon to apply)\n", *url)
		return nil
	case "show":
		fs := flag.NewFlagSet("remote show", flag.ExitOnError)
		profile := fs.String("profile", "./_dev_profile", "Profile directory")
		_ = fs.Parse(args[1:])
		cfg, err := config.LoadProfile(*profile)
		if err != nil {
			return err
		}
		if cfg.VCS.Remote.URL == "" {
			fmt.Println("remote not configured")
		} else {
			fmt.Printf("remote URL: %s\n", cfg.VCS.Remote.URL)
			if cfg.VCS.Remote.CredentialRef != "" {
				fmt.Printf("credential ref: %s\n", cfg.VCS.Remote.CredentialRef)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown remote subcommand %q", sub)
	}
}

func vcsCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dappctl vcs <push|pull|status> [options]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("vcs", flag.ExitOnError)
	profile, socket := connFlags(fs)
	_ = fs.Parse(args[1:])

	var method string
	switch sub {
	case "push":
		method = "vcs_push"
	case "pull":
		method = "vcs_pull"
	case "status":
		method = "vcs_status"
	default:
		return fmt.Errorf("unknown vcs subcommand %q", sub)
	}
	return printCall(*profile, *socket, method, nil)
}

// printCall runs method and pretty-prints its result.
func printCall(profile, socket, method string, params any) error {
	var result json.RawMessage
	if err := rpcCall(profile, socket, method, params, &result); err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func rpcCall(profile, socketOverride, method string, params, out any) error {
	socketPath, err := resolveSocketPath(profile, socketOverride)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := ipc.Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Call(ctx, method, params, out); err != nil {
		var rpcErr *ipc.Error
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("daemon error: %s (%s)", rpcErr.Message, rpcErr.Code)
		}
		return err
	}
	return nil
}

func resolveSocketPath(profile, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.LoadProfile(profile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("config not found in %s (run 'dappctl init --profile %s')", profile, profile)
		}
		return "", fmt.Errorf("load config: %w", err)
	}
	return config.ResolvePath(profile, cfg.IPC.SocketPath), nil
}
