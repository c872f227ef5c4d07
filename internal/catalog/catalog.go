// Package catalog loads and validates the query catalog file: the set of
// periodic collection tasks plus the datasource they run against. The catalog
// is pure configuration, immutable after load, with no behavior beyond
// validation.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Kind selects how a query's result set is shaped into events.
type Kind string

const (
	// KindMultipleRows produces one event per result row. The default.
	KindMultipleRows Kind = "multiple-rows"
	// KindSingleRow produces one event from the first row; further rows are
	// ignored.
	KindSingleRow Kind = "single-row"
	// KindTwoColumns folds the whole result set into one event: column one is
	// the field name, column two the value.
	KindTwoColumns Kind = "two-columns"
)

// Valid reports whether k is a known query kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMultipleRows, KindSingleRow, KindTwoColumns:
		return true
	}
	return false
}

// Drivers accepted in the datasource section.
const (
	DriverMySQL     = "mysql"
	DriverPostgres  = "postgres"
	DriverSQLServer = "sqlserver"
	DriverSQLite    = "sqlite"
)

// DefaultPeriod is the collection interval for entries that do not set their
// own interval_seconds.
const DefaultPeriod = 10 * time.Second

// DefaultDeltaSuffix marks column names whose values should be published as
// per-second rates between consecutive runs.
const DefaultDeltaSuffix = "__DELTA"

// Duration unmarshals from either a Go duration string ("10s") or a bare
// number of seconds, so catalog files stay friendly to both styles.
type Duration time.Duration

// Duration converts to the stdlib type.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return d.Duration().String() }

// UnmarshalYAML implements yaml.v2 unmarshalling.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(v * float64(time.Second))
		return nil
	}
	return fmt.Errorf("catalog: unparsable duration %q", s)
}

// Datasource describes the database the catalog's queries run against.
// Either an explicit DSN or host/port/credential parts; the DSN wins.
type Datasource struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// PasswordEncrypted is a hex-encoded AES-CFB ciphertext produced by
	// scripts/encrypt-password. Ignored when Password is set.
	PasswordEncrypted string `yaml:"password_encrypted"`
	Database          string `yaml:"database"`
	// SSLMode applies to postgres only.
	SSLMode string `yaml:"sslmode"`
}

// query is the on-disk shape of one catalog entry.
type query struct {
	Name            string `yaml:"name"`
	Query           string `yaml:"query"`
	Kind            Kind   `yaml:"kind"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	// Enabled defaults to true when absent.
	Enabled *bool `yaml:"enabled"`
}

// file is the on-disk shape of the whole catalog.
type file struct {
	Period      Duration   `yaml:"period"`
	DeltaSuffix string     `yaml:"delta_suffix"`
	Datasource  Datasource `yaml:"datasource"`
	Queries     []query    `yaml:"queries"`
}

// Entry is one validated collection task. Immutable after load.
type Entry struct {
	Name     string
	Query    string
	Kind     Kind
	Interval time.Duration
	Enabled  bool
}

// Catalog is the validated catalog: datasource plus entries.
type Catalog struct {
	datasource  Datasource
	deltaSuffix string
	period      time.Duration
	entries     []Entry
}

// Load reads and validates the catalog file at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// Parse validates raw catalog YAML. All violations are reported together so a
// broken file surfaces every problem in one pass.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	period := f.Period.Duration()
	if period == 0 {
		period = DefaultPeriod
	}
	deltaSuffix := f.DeltaSuffix
	if deltaSuffix == "" {
		deltaSuffix = DefaultDeltaSuffix
	}

	var errs []error
	if period < 0 {
		errs = append(errs, fmt.Errorf("period must be positive, got %s", period))
	}
	errs = append(errs, validateDatasource(&f.Datasource)...)

	if len(f.Queries) == 0 {
		errs = append(errs, errors.New("no queries configured"))
	}

	entries := make([]Entry, 0, len(f.Queries))
	seen := make(map[string]bool, len(f.Queries))
	for i, q := range f.Queries {
		name := strings.TrimSpace(q.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("queries[%d]: name is required", i))
		case seen[name]:
			errs = append(errs, fmt.Errorf("queries[%d]: duplicate name %q", i, name))
		}
		seen[name] = true

		if strings.TrimSpace(q.Query) == "" {
			errs = append(errs, fmt.Errorf("queries[%d] (%s): query text is required", i, name))
		}

		kind := q.Kind
		if kind == "" {
			kind = KindMultipleRows
		}
		if !kind.Valid() {
			errs = append(errs, fmt.Errorf("queries[%d] (%s): unknown kind %q", i, name, q.Kind))
		}

		interval := period
		if q.IntervalSeconds != 0 {
			interval = time.Duration(q.IntervalSeconds) * time.Second
		}
		if interval <= 0 {
			errs = append(errs, fmt.Errorf("queries[%d] (%s): interval must be positive, got %d", i, name, q.IntervalSeconds))
		}

		enabled := true
		if q.Enabled != nil {
			enabled = *q.Enabled
		}

		entries = append(entries, Entry{
			Name:     name,
			Query:    q.Query,
			Kind:     kind,
			Interval: interval,
			Enabled:  enabled,
		})
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Catalog{
		datasource:  f.Datasource,
		deltaSuffix: deltaSuffix,
		period:      period,
		entries:     entries,
	}, nil
}

// validateDatasource fills defaults in place and reports violations.
func validateDatasource(ds *Datasource) []error {
	var errs []error

	switch ds.Driver {
	case DriverMySQL, DriverPostgres, DriverSQLServer, DriverSQLite:
	case "":
		errs = append(errs, errors.New("datasource: driver is required (mysql, postgres, sqlserver, sqlite)"))
	default:
		errs = append(errs, fmt.Errorf("datasource: unknown driver %q (supported: mysql, postgres, sqlserver, sqlite)", ds.Driver))
	}

	if ds.Host == "" {
		ds.Host = "127.0.0.1"
	}
	if ds.Port == 0 {
		switch ds.Driver {
		case DriverMySQL:
			ds.Port = 3306
		case DriverPostgres:
			ds.Port = 5432
		case DriverSQLServer:
			ds.Port = 1433
		}
	}
	if ds.Port < 0 || ds.Port > 65535 {
		errs = append(errs, fmt.Errorf("datasource: port %d out of range", ds.Port))
	}

	if ds.Driver == DriverPostgres {
		if ds.SSLMode == "" {
			ds.SSLMode = "disable"
		}
		if ds.DSN == "" && ds.Database == "" {
			errs = append(errs, errors.New("datasource: database is required for postgres"))
		}
	}
	if ds.Driver == DriverSQLite && ds.DSN == "" && ds.Database == "" {
		errs = append(errs, errors.New("datasource: database (file path) or dsn is required for sqlite"))
	}

	if ds.Password == "" && ds.PasswordEncrypted != "" {
		plain, err := decryptPassword(ds.PasswordEncrypted)
		if err != nil {
			errs = append(errs, fmt.Errorf("datasource: password_encrypted: %w", err))
		} else {
			ds.Password = plain
		}
	}

	return errs
}

// Datasource returns the validated datasource with defaults applied and the
// password resolved.
func (c *Catalog) Datasource() Datasource { return c.datasource }

// DeltaSuffix returns the column-name suffix marking delta-rate columns.
func (c *Catalog) DeltaSuffix() string { return c.deltaSuffix }

// Period returns the default collection interval.
func (c *Catalog) Period() time.Duration { return c.period }

// Entries returns the enabled entries in file order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// All returns every entry, including disabled ones. Used by status reporting.
func (c *Catalog) All() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}
