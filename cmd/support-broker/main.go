// ABOUTME: Entry point for the support-broker server and its operator commands
// ABOUTME: serve runs the broker, health probes HTTP and gRPC health, token mints JWTs

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/2389/support-broker/internal/auth"
	"github.com/2389/support-broker/internal/config"
	"github.com/2389/support-broker/internal/gateway"
	"github.com/2389/support-broker/internal/registry"
)

// Version is set at build time.
var version = "dev"

const banner = `
                                  _        _               _
 ___ _   _ _ __  _ __   ___  _ __| |_     | |__  _ __ ___ | | _____ _ __
/ __| | | | '_ \| '_ \ / _ \| '__| __|____| '_ \| '__/ _ \| |/ / _ \ '__|
\__ \ |_| | |_) | |_) | (_) | |  | ||_____| |_) | | | (_) |   <  __/ |
|___/\__,_| .__/| .__/ \___/|_|   \__|    |_.__/|_|  \___/|_|\_\___|_|
          |_|   |_|
`

// getConfigPath returns the path to the broker config file.
// Priority: SUPPORT_BROKER_CONFIG env var > XDG_CONFIG_HOME/support-broker/broker.yaml > ~/.config/support-broker/broker.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SUPPORT_BROKER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "broker.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "support-broker", "broker.yaml")
}

// loadConfig reads .env from the working directory, then the config file.
func loadConfig() (*config.Config, string, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, "", err
	}
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func usage() {
	fmt.Println("Usage: support-broker <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                 Start the broker")
	fmt.Println("  health                                Check broker health (HTTP and gRPC)")
	fmt.Println("  token --user ID --role ROLE [--name]  Mint a signed access token")
	fmt.Println("  version                               Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
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

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.NATS.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("NATS:      ")
		cyan.Print(cfg.NATS.URL)
		gray.Printf(" (%s.>)", cfg.NATS.SubjectPrefix)
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Auth:      anonymous (development only)")
	}
	fmt.Println()

	logger.Info("starting support-broker",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{
			out:   os.Stdout,
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler provides colorized log output with thread-safe writes.
// Derived handlers share the writer lock.
type colorHandler struct {
	out    io.Writer
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	prefix string // dotted group path
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, h.prefix, a)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func writeAttr(buf *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(buf, prefix+a.Key+".", ga)
		}
		return
	}
	buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
	buf.WriteString(a.Value.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		newAttrs = append(newAttrs, a)
	}
	return &colorHandler{out: h.out, mu: h.mu, level: h.level, attrs: newAttrs, prefix: h.prefix}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &colorHandler{out: h.out, mu: h.mu, level: h.level, attrs: h.attrs, prefix: h.prefix + name + "."}
}

// localAddr turns a listen address into one a local client can dial.
func localAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/health/ready", localAddr(cfg.Server.HTTPAddr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Printf("http: %s\n", strings.TrimSpace(string(body)))

	if cfg.Server.GRPCAddr == "" {
		return nil
	}
	return checkGRPCHealth(ctx, localAddr(cfg.Server.GRPCAddr), os.Stdout)
}

// checkGRPCHealth queries the standard health service and prints the reply.
func checkGRPCHealth(ctx context.Context, addr string, out io.Writer) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("creating gRPC client: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("gRPC health check failed: %w", err)
	}

	encoded, err := protojson.MarshalOptions{EmitUnpopulated: true}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding health response: %w", err)
	}
	fmt.Fprintf(out, "grpc: %s\n", encoded)

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: gRPC status %s", resp.GetStatus())
	}
	return nil
}

// runToken mints an access token signed with the configured secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "", "User id (token subject)")
	roleName := fs.String("role", "agent", "Role: candidate or agent")
	name := fs.String("name", "", "Display name (defaults to the user id)")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	secret := fs.String("secret", "", "Signing secret (defaults to auth.jwt_secret from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*userID) == "" {
		return errors.New("--user is required")
	}
	role, err := auth.ParseRole(*roleName)
	if err != nil {
		return err
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	key := *secret
	if key == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		key = cfg.Auth.JWTSecret
	}
	if key == "" {
		return errors.New("no signing secret: set auth.jwt_secret or pass --secret")
	}

	verifier, err := auth.NewJWTVerifier([]byte(key))
	if err != nil {
		return err
	}

	displayName := *name
	if displayName == "" {
		displayName = *userID
	}
	token, err := verifier.Generate(registry.Identity{
		UserID:      *userID,
		Role:        role,
		DisplayName: displayName,
	}, *ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}

	fmt.Fprintln(out, token)
	return nil
}
