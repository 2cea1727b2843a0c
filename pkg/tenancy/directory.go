package tenancy

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/thistle/pkg/database"
)

const DefaultTargetName = "default"

// reservedTenantIDs are root path segments the HTTP server mounts itself.
var reservedTenantIDs = []string{"api", "metrics"}

// IsReservedTenantID reports whether tenantID collides with a root route.
func IsReservedTenantID(tenantID string) bool {
	return slices.Contains(reservedTenantIDs, tenantID)
}

// Target is a named database that serves one or more tenants.
type Target struct {
	Name     string   `yaml:"name"`
	Driver   string   `yaml:"driver"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Database string   `yaml:"database"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	SSL      bool     `yaml:"ssl"`
	Tenants  []string `yaml:"tenants"`
}

// String omits the password.
func (t Target) String() string {
	if t.Driver == database.DriverSQLite {
		return fmt.Sprintf("%s (sqlite %s)", t.Name, t.Database)
	}
	return fmt.Sprintf("%s (%s %s@%s:%d/%s ssl=%t)", t.Name, t.Driver, t.Username, t.Host, t.Port, t.Database, t.SSL)
}

func (t Target) clone() Target {
	t.Tenants = slices.Clone(t.Tenants)
	return t
}

type directoryFile struct {
	Default   *Target  `yaml:"default"`
	Databases []Target `yaml:"databases"`
}

// Directory maps tenant ids to database targets. It is immutable once built.
type Directory struct {
	defaultName string
	targets     map[string]Target
	names       []string
	tenants     map[string]string
}

// LoadDirectory reads and validates the tenant directory at path.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant directory %s: %w", path, err)
	}
	dir, err := ParseDirectory(data)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant directory %s: %w", path, err)
	}
	return dir, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ParseDirectory builds a Directory from YAML. ${VAR} references are replaced
// with the environment value before parsing.
func ParseDirectory(data []byte) (*Directory, error) {
	expanded := envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := envRef.FindSubmatch(ref)[1]
		return []byte(os.Getenv(string(name)))
	})

	var file directoryFile
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("tenant directory is empty")
		}
		return nil, err
	}

	if file.Default == nil {
		return nil, fmt.Errorf("no default database configured")
	}

	dir := &Directory{
		targets: map[string]Target{},
		tenants: map[string]string{},
	}

	def := *file.Default
	if def.Name == "" {
		def.Name = DefaultTargetName
	}
	dir.defaultName = def.Name

	all := append([]Target{def}, file.Databases...)
	for i, target := range all {
		target, err := normalize(target)
		if err != nil {
			return nil, err
		}
		if _, exists := dir.targets[target.Name]; exists {
			if i > 0 && target.Name == dir.defaultName {
				return nil, fmt.Errorf("database %q uses the default target name", target.Name)
			}
			return nil, fmt.Errorf("database %q is defined more than once", target.Name)
		}
		for _, tenantID := range target.Tenants {
			if owner, exists := dir.tenants[tenantID]; exists && owner != target.Name {
				return nil, fmt.Errorf("tenant %q is mapped to both %q and %q", tenantID, owner, target.Name)
			}
			dir.tenants[tenantID] = target.Name
		}
		dir.targets[target.Name] = target
		dir.names = append(dir.names, target.Name)
	}

	return dir, nil
}

func normalize(t Target) (Target, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return t, fmt.Errorf("database entry is missing a name")
	}
	if t.Driver == "" {
		t.Driver = database.DriverPostgres
	}
	switch t.Driver {
	case database.DriverPostgres:
		if t.Host == "" {
			return t, fmt.Errorf("database %q is missing a host", t.Name)
		}
		if t.Port == 0 {
			t.Port = 5432
		}
	case database.DriverSQLite:
	default:
		return t, fmt.Errorf("database %q has unsupported driver %q", t.Name, t.Driver)
	}
	if t.Database == "" {
		return t, fmt.Errorf("database %q is missing a database name", t.Name)
	}
	for i, tenantID := range t.Tenants {
		tenantID = strings.TrimSpace(tenantID)
		if tenantID == "" {
			return t, fmt.Errorf("database %q lists an empty tenant id", t.Name)
		}
		if IsReservedTenantID(tenantID) {
			return t, fmt.Errorf("database %q lists reserved tenant id %q", t.Name, tenantID)
		}
		t.Tenants[i] = tenantID
	}
	return t, nil
}

// Resolve returns the target name serving tenantID, or the default target.
func (d *Directory) Resolve(tenantID string) string {
	if name, ok := d.tenants[tenantID]; ok {
		return name
	}
	return d.defaultName
}

func (d *Directory) Target(name string) (Target, bool) {
	t, ok := d.targets[name]
	return t.clone(), ok
}

func (d *Directory) DefaultTarget() Target {
	return d.targets[d.defaultName].clone()
}

// Targets returns every target, default first, in file order.
func (d *Directory) Targets() []Target {
	targets := make([]Target, 0, len(d.names))
	for _, name := range d.names {
		targets = append(targets, d.targets[name].clone())
	}
	return targets
}

// Tenants returns the explicitly mapped tenant ids, sorted.
func (d *Directory) Tenants() []string {
	ids := make([]string, 0, len(d.tenants))
	for id := range d.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
