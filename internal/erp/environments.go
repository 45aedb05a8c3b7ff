package erp

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opmsync-io/opmsync/internal/config"
)

// Environment errors.
var (
	// ErrEnvironmentUnknown indicates the requested environment name has no
	// catalog entry.
	ErrEnvironmentUnknown = errors.New("unknown ERP environment")

	// ErrEnvironmentIncomplete indicates an environment entry is missing its
	// upsert URL.
	ErrEnvironmentIncomplete = errors.New("ERP environment is incomplete")
)

// ProductionEnvironment is the catalog entry used when neither the job nor
// the configuration names an environment.
const ProductionEnvironment = "production"

// DefaultCatalogPath is the default location of the environment catalog file.
const DefaultCatalogPath = ".opmsync.yaml"

// CatalogPathEnvVar is the environment variable overriding the catalog path.
const CatalogPathEnvVar = "OPMSYNC_ERP_ENVIRONMENTS_PATH"

type (
	// Environment is one routable ERP deployment: the upsert endpoint URL plus
	// the script/deploy identifiers the endpoint expects as query parameters.
	// Credentials are not part of the catalog; they come from the process
	// environment and are shared across entries.
	Environment struct {
		Name     string `yaml:"-"`
		URL      string `yaml:"url"`
		ScriptID string `yaml:"script_id"` //nolint:tagliatelle // snake_case is intentional for YAML config files
		DeployID string `yaml:"deploy_id"` //nolint:tagliatelle // snake_case is intentional for YAML config files
	}

	// Catalog holds the named ERP environments and the configured default.
	//
	// Resolution order for a job: the job's environment override, then the
	// configured default, then the "production" entry.
	Catalog struct {
		environments map[string]Environment
		defaultName  string
	}

	// catalogFile is the YAML shape of the environment catalog.
	catalogFile struct {
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		DefaultEnvironment string `yaml:"default_environment"`
		Environments       map[string]Environment
	}
)

// LoadCatalog loads the environment catalog from a YAML file at the given path.
//
// Behavior:
//   - Missing file returns a catalog built from OPMSYNC_ERP_* environment
//     variables (a single "production" entry) - the file is optional
//   - Malformed YAML logs a warning and falls back the same way
//   - A readable file replaces the environment-variable fallback entirely
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Environment catalog file not found, using environment variables",
				slog.String("path", path))

			return catalogFromEnv(), nil
		}

		slog.Warn("Failed to read environment catalog, using environment variables",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return catalogFromEnv(), nil
	}

	if len(data) == 0 {
		return catalogFromEnv(), nil
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		slog.Warn("Failed to parse environment catalog, using environment variables",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return catalogFromEnv(), nil
	}

	catalog := &Catalog{
		environments: make(map[string]Environment, len(file.Environments)),
		defaultName:  strings.TrimSpace(file.DefaultEnvironment),
	}

	for name, env := range file.Environments {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}

		env.Name = name
		catalog.environments[name] = env
	}

	if catalog.defaultName == "" {
		catalog.defaultName = ProductionEnvironment
	}

	return catalog, nil
}

// LoadCatalogFromEnv loads the catalog from the path in
// OPMSYNC_ERP_ENVIRONMENTS_PATH, falling back to ".opmsync.yaml".
func LoadCatalogFromEnv() (*Catalog, error) {
	path := config.GetEnvStr(CatalogPathEnvVar, DefaultCatalogPath)

	return LoadCatalog(path)
}

// catalogFromEnv builds a single-entry catalog from the process environment.
// This is the fallback when no catalog file is present.
func catalogFromEnv() *Catalog {
	production := Environment{
		Name:     ProductionEnvironment,
		URL:      config.GetEnvStr("OPMSYNC_ERP_UPSERT_URL", ""),
		ScriptID: config.GetEnvStr("OPMSYNC_ERP_SCRIPT_ID", ""),
		DeployID: config.GetEnvStr("OPMSYNC_ERP_DEPLOY_ID", ""),
	}

	return &Catalog{
		environments: map[string]Environment{ProductionEnvironment: production},
		defaultName:  ProductionEnvironment,
	}
}

// NewCatalog creates a catalog from explicit entries. Used by tests and by
// callers that manage their own configuration source.
func NewCatalog(defaultName string, environments ...Environment) *Catalog {
	catalog := &Catalog{
		environments: make(map[string]Environment, len(environments)),
		defaultName:  strings.ToLower(strings.TrimSpace(defaultName)),
	}

	for _, env := range environments {
		name := strings.ToLower(strings.TrimSpace(env.Name))
		if name == "" {
			continue
		}

		env.Name = name
		catalog.environments[name] = env
	}

	if catalog.defaultName == "" {
		catalog.defaultName = ProductionEnvironment
	}

	return catalog
}

// Resolve returns the environment for a job: the override when given, the
// configured default otherwise, the production entry as the last resort.
//
// Returns ErrEnvironmentUnknown when the resolved name has no entry, and
// ErrEnvironmentIncomplete when the entry has no URL.
func (c *Catalog) Resolve(override string) (Environment, error) {
	name := strings.ToLower(strings.TrimSpace(override))
	if name == "" {
		name = c.defaultName
	}

	if name == "" {
		name = ProductionEnvironment
	}

	env, ok := c.environments[name]
	if !ok {
		return Environment{}, fmt.Errorf("%w: '%s'", ErrEnvironmentUnknown, name)
	}

	if strings.TrimSpace(env.URL) == "" {
		return Environment{}, fmt.Errorf("%w: '%s' has no upsert URL", ErrEnvironmentIncomplete, name)
	}

	return env, nil
}

// DefaultName returns the configured default environment name.
func (c *Catalog) DefaultName() string {
	return c.defaultName
}

// Names returns the catalog's environment names, for health reporting.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.environments))
	for name := range c.environments {
		names = append(names, name)
	}

	return names
}
