package sqldb

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/sqlpulse/sqlpulse/internal/catalog"
)

// BuildDSN maps a catalog datasource onto a database/sql driver name and its
// connection string. An explicit dsn in the catalog wins over the structured
// host/port/credential fields.
func BuildDSN(ds catalog.Datasource) (driverName, dsn string, err error) {
	switch ds.Driver {
	case catalog.DriverMySQL:
		driverName = "mysql"
		if ds.DSN != "" {
			return driverName, ds.DSN, nil
		}
		cfg := mysql.NewConfig()
		cfg.User = ds.Username
		cfg.Passwd = ds.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(ds.Host, strconv.Itoa(ds.Port))
		cfg.DBName = ds.Database
		return driverName, cfg.FormatDSN(), nil

	case catalog.DriverPostgres:
		// pgx registers its database/sql adapter under "pgx".
		driverName = "pgx"
		if ds.DSN != "" {
			return driverName, ds.DSN, nil
		}
		u := url.URL{
			Scheme:   "postgres",
			Host:     net.JoinHostPort(ds.Host, strconv.Itoa(ds.Port)),
			Path:     "/" + ds.Database,
			RawQuery: "sslmode=" + url.QueryEscape(ds.SSLMode),
		}
		if ds.Username != "" {
			u.User = url.UserPassword(ds.Username, ds.Password)
		}
		return driverName, u.String(), nil

	case catalog.DriverSQLServer:
		driverName = "sqlserver"
		if ds.DSN != "" {
			return driverName, ds.DSN, nil
		}
		dsn = fmt.Sprintf("server=%v;user id=%v;password=%v;port=%v;database=%v",
			ds.Host, ds.Username, ds.Password, ds.Port, ds.Database)
		return driverName, dsn, nil

	case catalog.DriverSQLite:
		driverName = "sqlite"
		if ds.DSN != "" {
			return driverName, ds.DSN, nil
		}
		return driverName, ds.Database, nil

	default:
		return "", "", fmt.Errorf("sqldb: unknown driver %q", ds.Driver)
	}
}

// SafeDSN returns dsn with the password blanked out, for logs and the status
// endpoint. Unparsable strings come back unchanged except for sqlserver-style
// key=value lists, which are scrubbed field by field.
func SafeDSN(driverName, dsn string) string {
	switch driverName {
	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return dsn
		}
		cfg.Passwd = strings.Repeat("x", len(cfg.Passwd))
		return cfg.FormatDSN()

	case "pgx":
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}
		if u.User != nil {
			if _, has := u.User.Password(); has {
				u.User = url.UserPassword(u.User.Username(), "xxxxx")
			}
		}
		return u.String()

	case "sqlserver":
		parts := strings.Split(dsn, ";")
		for i, p := range parts {
			k, _, found := strings.Cut(p, "=")
			if found && strings.EqualFold(strings.TrimSpace(k), "password") {
				parts[i] = strings.TrimSpace(k) + "=xxxxx"
			}
		}
		return strings.Join(parts, ";")

	default:
		return dsn
	}
}
