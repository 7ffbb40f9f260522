// ABOUTME: The clients subcommand manages OAuth clients in the configured store
// ABOUTME: Lists, registers and revokes clients without a running server

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/tollgate/internal/clients"
	"github.com/2389/tollgate/internal/config"
	"github.com/2389/tollgate/internal/gateway"
	"github.com/2389/tollgate/internal/store"
)

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runClients(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: tollgate clients <list|add|revoke> [flags]")
	}
	switch args[0] {
	case "list":
		return runClientsList(ctx, args[1:], os.Stdout)
	case "add":
		return runClientsAdd(ctx, args[1:], os.Stdout)
	case "revoke":
		return runClientsRevoke(ctx, args[1:], os.Stdout)
	default:
		return fmt.Errorf("unknown clients command: %s", args[0])
	}
}

// openRegistry loads config and opens the client registry over its store.
func openRegistry(ctx context.Context, cfg *config.Config) (*clients.Registry, func(), error) {
	if cfg.Database.Driver == config.DriverMemory {
		return nil, nil, errors.New("the memory store does not outlive the server; clients commands need sqlite or redis")
	}
	s, err := gateway.OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	reg, err := clients.New(clients.Config{Store: s, Logger: setupLogger(config.LoggingConfig{Level: "warn"})})
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return reg, func() { _ = s.Close() }, nil
}

func runClientsList(ctx context.Context, args []string, out io.Writer) error {
	cfg, _, err := loadConfig(flag.NewFlagSet("clients list", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	reg, closeStore, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	list, err := reg.List(ctx)
	if err != nil {
		return fmt.Errorf("listing clients: %w", err)
	}
	return printClients(out, list)
}

func printClients(out io.Writer, list []*store.Client) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "no clients registered")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT ID\tNAME\tAUTH\tSOURCE\tSTATUS\tREDIRECT URIS")
	for _, c := range list {
		source := "registered"
		if c.Static {
			source = "config"
		}
		status := color.GreenString("active")
		if c.Revoked() {
			status = color.RedString("revoked")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Name, c.AuthMethod, source, status, strings.Join(c.RedirectURIs, " "))
	}
	return tw.Flush()
}

func runClientsAdd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("clients add", flag.ContinueOnError)
	name := fs.String("name", "", "human readable client name")
	public := fs.Bool("public", false, "register a public client (no secret, PKCE required)")
	var redirects stringList
	fs.Var(&redirects, "redirect-uri", "allowed redirect URI (repeatable)")

	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if len(redirects) == 0 {
		return errors.New("at least one --redirect-uri is required")
	}

	reg, closeStore, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	method := store.AuthMethodClientSecretBasic
	if *public {
		method = store.AuthMethodNone
	}
	r, err := reg.Register(ctx, clients.Metadata{
		RedirectURIs: redirects,
		Name:         *name,
		AuthMethod:   method,
	})
	if err != nil {
		return fmt.Errorf("registering client: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "  ✓ Registered client %s\n", r.Client.ID)
	fmt.Fprintf(out, "  client_id:     %s\n", r.Client.ID)
	if r.Secret != "" {
		fmt.Fprintf(out, "  client_secret: %s\n", r.Secret)
		color.New(color.FgYellow).Fprintln(out, "  The secret is shown once. Store it now.")
	}
	return nil
}

func runClientsRevoke(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("clients revoke", flag.ContinueOnError)
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: tollgate clients revoke [--config PATH] CLIENT_ID")
	}
	id := fs.Arg(0)

	reg, closeStore, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := reg.Revoke(ctx, id); err != nil {
		if errors.Is(err, clients.ErrUnknownClient) {
			return fmt.Errorf("no client with id %q", id)
		}
		return fmt.Errorf("revoking client: %w", err)
	}
	_, err = fmt.Fprintf(out, "revoked %s\n", id)
	return err
}
