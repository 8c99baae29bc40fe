package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MySQLOpts identifies a MySQL-compatible server.
type MySQLOpts struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN builds a MySQL DSN with parseTime enabled.
func DSN(o MySQLOpts) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = o.User
	if cfg.User == "" {
		cfg.User = "root"
	}
	cfg.Passwd = o.Password
	cfg.Net = "tcp"
	cfg.Addr = o.Host + ":" + strconv.Itoa(o.Port)
	cfg.DBName = o.Database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
}

// ConnectMySQL opens a GORM connection to a MySQL-compatible server.
func ConnectMySQL(o MySQLOpts) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(DSN(o)), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", o.Host, o.Port, o.Database, err)
	}
	return db, nil
}

// ConnectSQLite opens (creating if needed) a SQLite database file. The
// special path ":memory:" opens a private in-memory database.
func ConnectSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db: sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("db: create %s: %w", filepath.Dir(path), err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	return db, nil
}
