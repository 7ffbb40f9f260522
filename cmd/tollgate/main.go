// ABOUTME: Entry point for the tollgate authorization server and tool gateway
// ABOUTME: Provides serve, init, hash-password, clients, health and version commands

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tollgate/internal/config"
	"github.com/2389/tollgate/internal/gateway"
	"github.com/2389/tollgate/internal/login"
	"github.com/2389/tollgate/internal/oauth"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _        _ _             _
 | |_ ___ | | | __ _  __ _| |_ ___
 | __/ _ \| | |/ _' |/ _' | __/ _ \
 | || (_) | | | (_| | (_| | ||  __/
  \__\___/|_|_|\__, |\__,_|\__\___|
               |___/
`

// getConfigPath returns the path to the config file.
// Priority: --config flag > TOLLGATE_CONFIG env var > XDG_CONFIG_HOME/tollgate/config.yaml > ~/.config/tollgate/config.yaml
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("TOLLGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tollgate", "config.yaml")
}

// getDataPath returns the path to the tollgate data directory.
// Priority: XDG_DATA_HOME/tollgate > ~/.local/share/tollgate
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "tollgate")
}

func usage() {
	fmt.Println("Usage: tollgate <command> [--config PATH]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the authorization server and tool gateway")
	fmt.Println("  init                   Create a new config file interactively")
	fmt.Println("  hash-password          Read a secret from stdin and print its bcrypt hash")
	fmt.Println("  clients list           List registered OAuth clients")
	fmt.Println("  clients add            Register an OAuth client")
	fmt.Println("  clients revoke ID      Revoke an OAuth client")
	fmt.Println("  health                 Check gateway health")
	fmt.Println("  version                Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "hash-password":
		err = runHashPassword(os.Stdin, os.Stdout)
	case "clients":
		err = runClients(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses the common --config flag and loads the file it names.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, string, error) {
	configFlag := fs.String("config", "", "path to config file (yaml or toml)")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	configPath := getConfigPath(*configFlag)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context, args []string) error {
	cfg, configPath, err := loadConfig(flag.NewFlagSet("serve", flag.ContinueOnError), args)
	if err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Scopes:    %s\n", strings.Join(cfg.OAuth.Scopes, " "))

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Login.Mode == config.LoginMock {
		yellow.Printf("    ! mock login: every visitor is %s\n", cfg.Login.MockUserID)
	}

	fmt.Println()

	logger.Info("starting tollgate",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"issuer", cfg.Server.Issuer,
		"store", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			out:   os.Stdout,
			level: level,
		}
	}

	return slog.New(handler)
}

// logMu serializes writes from every handler derived from the root one.
var logMu sync.Mutex

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	logMu.Lock()
	defer logMu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		a.Key = prefix + a.Key
		newAttrs = append(newAttrs, a)
	}
	return &colorHandler{
		out:    h.out,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		out:    h.out,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// healthURL picks the address to probe: the issuer when set, else the listen address.
func healthURL(cfg *config.Config) string {
	if cfg.Server.Issuer != "" {
		return strings.TrimSuffix(cfg.Server.Issuer, "/") + "/health/ready"
	}
	return fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
}

func runHealth(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig(flag.NewFlagSet("health", flag.ContinueOnError), args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(cfg), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// runHashPassword reads one line from in and prints its bcrypt hash, for
// login.users[].password_hash and clients[].client_secret_hash.
func runHashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return errors.New("empty secret on stdin")
	}
	hash, err := login.HashPassword(secret)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configFlag := fs.String("config", "", "where to write the config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("tollgate configuration setup")
	fmt.Println("============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath(*configFlag)
	defaultDbPath := filepath.Join(getDataPath(), "tollgate.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")
	issuer := prompt(reader, "Public issuer URL", "http://"+httpAddr)

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "tollgate")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Login ---")
	username := prompt(reader, "Username allowed to approve consent", "admin")
	password := prompt(reader, "Password for "+username, "")
	if password == "" {
		return errors.New("a password is required")
	}
	passwordHash, err := login.HashPassword(password)
	if err != nil {
		return err
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	roundTripSecret, err := oauth.GenerateSecret()
	if err != nil {
		return fmt.Errorf("generating round trip secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# tollgate configuration\n")
	cfg.WriteString("# Generated by tollgate init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  issuer: %q\n", issuer))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString("  driver: \"sqlite\"\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("oauth:\n")
	cfg.WriteString("  scopes: [\"read_data\", \"write_data\"]\n")
	cfg.WriteString("  require_pkce: false\n")
	cfg.WriteString(fmt.Sprintf("  round_trip_secret: %q\n", roundTripSecret))
	cfg.WriteString("  code_ttl: \"10m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tokens:\n")
	cfg.WriteString("  access_ttl: \"1h\"\n")
	cfg.WriteString("  refresh_ttl: \"720h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("login:\n")
	cfg.WriteString("  mode: \"static\"\n")
	cfg.WriteString("  users:\n")
	cfg.WriteString(fmt.Sprintf("    - username: %q\n", username))
	cfg.WriteString(fmt.Sprintf("      user_id: %q\n", username))
	cfg.WriteString(fmt.Sprintf("      password_hash: %q\n", passwordHash))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file holds the round trip secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  tollgate clients add --name NAME --redirect-uri URI")
	fmt.Println("  tollgate serve")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
