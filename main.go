package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberLogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/linht/lora-manager/plugins"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Configuration constants
const (
	// Server timeouts
	ServerReadTimeout  = 30 * time.Second
	ServerWriteTimeout = 30 * time.Second

	// Request limits; bodies are small JSON objects, the largest being a
	// transmit request with a 255 byte payload in hex
	MaxBodySize = 4 * 1024

	// Session management (24-hour expiry)
	SessionDuration = 24 * time.Hour
	TokenBytes      = 32
)

type Config struct {
	Server struct {
		Port   string `yaml:"port"`
		Host   string `yaml:"host"`
		Static string `yaml:"static"`
	} `yaml:"server"`
	Auth struct {
		PasswordHash string `yaml:"password_hash"`
	} `yaml:"auth"`
	Log     LogConfig          `yaml:"log"`
	LoRa    plugins.LoRaConfig `yaml:"lora"`
	IMU     plugins.IMUConfig  `yaml:"imu"`
	Plugins []string           `yaml:"plugins"`
}

// Session represents a simple authenticated session for local use
type Session struct {
	Token     string
	ExpiresAt time.Time
}

var (
	config         Config
	currentSession *Session
	sessionMu      sync.RWMutex
)

func main() {
	app := cli.NewApp()
	app.Name = "lora-manager"
	app.Usage = "Manage an SX127x LoRa radio over HTTP"
	app.Flags = globalFlags
	app.Commands = COMMANDS
	app.Action = serveCommand

	if err := app.Run(os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func defaultConfig() Config {
	var cfg Config
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = "8080"
	cfg.Log = LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3}
	cfg.LoRa = plugins.DefaultLoRaConfig()
	cfg.Plugins = []string{"lora"}
	return cfg
}

// loadConfig reads path over the defaults. A leading ~ is expanded.
func loadConfig(path string) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("invalid config path %q: %w", path, err)
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", expanded, err)
	}
	config = cfg
	return nil
}

// serve runs the HTTP API until SIGINT or SIGTERM.
func serve() error {
	// Create Fiber app
	app := fiber.New(fiber.Config{
		ReadTimeout:  ServerReadTimeout,
		WriteTimeout: ServerWriteTimeout,
		AppName:      "LoRa Manager",
		BodyLimit:    MaxBodySize,
	})

	// Add logger middleware
	app.Use(fiberLogger.New(fiberLogger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))

	// Serve static files
	if config.Server.Static != "" {
		app.Static("/", config.Server.Static)
	}

	// Login/logout endpoints (no auth required for login)
	app.Post("/login", handleLogin)
	app.Post("/logout", handleLogout)

	// Auth middleware for all other API routes
	app.Use("/api", authMiddleware)

	loaded, err := plugins.Load(app, config.Plugins, pluginConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize plugins: %w", err)
	}
	defer plugins.Shutdown(loaded)

	// Start server with graceful shutdown
	addr := config.Server.Host + ":" + config.Server.Port

	// Setup graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		slog.Info("Shutting down server...")
		if err := app.ShutdownWithContext(context.Background()); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	}()

	slog.Info("Starting LoRa Manager", "address", addr, "plugins", config.Plugins)
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("failed to start server on %s: %w", addr, err)
	}
	return nil
}

func pluginConfig(name string) interface{} {
	switch name {
	case "lora":
		return config.LoRa
	case "imu":
		return config.IMU
	}
	return nil
}

func handleLogin(c *fiber.Ctx) error {
	var req struct {
		Password string `json:"password"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid request"})
	}

	// Check password
	if err := bcrypt.CompareHashAndPassword([]byte(config.Auth.PasswordHash), []byte(req.Password)); err != nil {
		slog.Warn("Failed login attempt", "ip", c.IP())
		return c.Status(401).JSON(fiber.Map{"error": "Invalid password"})
	}

	slog.Info("Successful login", "ip", c.IP())

	token, err := generateToken()
	if err != nil {
		slog.Error("Failed to generate session token", "error", err)
		return c.Status(500).JSON(fiber.Map{"error": "Failed to create session"})
	}

	// Generate new session (replaces any existing session for local-only use)
	session := &Session{
		Token:     token,
		ExpiresAt: time.Now().Add(SessionDuration),
	}
	sessionMu.Lock()
	currentSession = session
	sessionMu.Unlock()

	return c.JSON(fiber.Map{
		"success": true,
		"token":   session.Token,
		"expires": session.ExpiresAt.Unix(),
	})
}

func handleLogout(c *fiber.Ctx) error {
	sessionMu.Lock()
	currentSession = nil
	sessionMu.Unlock()
	slog.Info("User logged out", "ip", c.IP())
	return c.JSON(fiber.Map{"success": true})
}

func authMiddleware(c *fiber.Ctx) error {
	// Check for token in header first, fallback to query parameter (for WebSocket)
	token := c.Get("X-Auth-Token")
	if token == "" {
		token = c.Query("token")
	}

	if !validateToken(token) {
		return c.Status(401).JSON(fiber.Map{"error": "Unauthorized"})
	}
	return c.Next()
}

func validateToken(token string) bool {
	if token == "" {
		return false
	}

	sessionMu.RLock()
	defer sessionMu.RUnlock()

	if currentSession == nil {
		return false
	}

	// Check token match and expiration
	if currentSession.Token != token {
		return false
	}

	return time.Now().Before(currentSession.ExpiresAt)
}

func generateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
