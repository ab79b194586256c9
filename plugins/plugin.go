package plugins

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/gofiber/fiber/v2"
)

// Plugin interface that all plugins must implement
type Plugin interface {
	// Name returns the plugin identifier
	Name() string

	// RegisterRoutes adds the plugin's HTTP routes to the app
	RegisterRoutes(app *fiber.App)

	// Shutdown performs cleanup when the plugin is stopped
	Shutdown() error
}

// PluginFactory creates a new plugin instance
type PluginFactory func(config interface{}) (Plugin, error)

var registry = make(map[string]PluginFactory)

// Register adds a plugin factory to the registry
func Register(name string, factory PluginFactory) {
	registry[name] = factory
}

// Get retrieves a plugin factory by name
func Get(name string) (PluginFactory, bool) {
	factory, exists := registry[name]
	return factory, exists
}

// Names lists the registered plugins in order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load builds the named plugins with the config returned by configFor and
// registers their routes. Unknown names are logged and skipped.
func Load(app *fiber.App, names []string, configFor func(name string) interface{}) ([]Plugin, error) {
	var loaded []Plugin

	for _, name := range names {
		factory, exists := Get(name)
		if !exists {
			slog.Warn("Unknown plugin", "name", name, "available", Names())
			continue
		}

		plugin, err := factory(configFor(name))
		if err != nil {
			Shutdown(loaded)
			return nil, fmt.Errorf("plugin %s: %w", name, err)
		}

		plugin.RegisterRoutes(app)
		loaded = append(loaded, plugin)
		slog.Info("Plugin loaded", "name", plugin.Name())
	}

	return loaded, nil
}

// Shutdown stops plugins in reverse load order.
func Shutdown(loaded []Plugin) {
	for i := len(loaded) - 1; i >= 0; i-- {
		if err := loaded[i].Shutdown(); err != nil {
			slog.Error("Plugin shutdown error", "name", loaded[i].Name(), "error", err)
		}
	}
}
