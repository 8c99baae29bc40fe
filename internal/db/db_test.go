package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/signalbox/internal/models"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		opts MySQLOpts
		want string
	}{
		{
			name: "default user",
			opts: MySQLOpts{Host: "127.0.0.1", Port: 3306, Database: "signalbox"},
			want: "root@tcp(127.0.0.1:3306)/signalbox?parseTime=true",
		},
		{
			name: "user and password",
			opts: MySQLOpts{Host: "db.internal", Port: 3307, User: "sb", Password: "secret", Database: "relay"},
			want: "sb:secret@tcp(db.internal:3307)/relay?parseTime=true",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.opts); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnectMySQL_Error(t *testing.T) {
	// Port 1 is unlikely to have a MySQL server; expect connection error.
	_, err := ConnectMySQL(MySQLOpts{Host: "127.0.0.1", Port: 1, Database: "nonexistent"})
	if err == nil {
		t.Fatal("expected error connecting to invalid port")
	}
	if !strings.Contains(err.Error(), "db: connect to") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "db: connect to")
	}
}

func TestConnectSQLite_MigratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sb.db")
	gdb, err := ConnectSQLite(path)
	if err != nil {
		t.Fatalf("ConnectSQLite: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	if !gdb.Migrator().HasTable(&models.RelaySession{}) {
		t.Error("relay_sessions table missing")
	}
}

func TestConnectSQLite_RequiresPath(t *testing.T) {
	if _, err := ConnectSQLite(""); err == nil {
		t.Fatal("expected error")
	}
}

func TestAllModels_Count(t *testing.T) {
	if n := len(AllModels()); n != 1 {
		t.Errorf("AllModels() returned %d models, want 1", n)
	}
}
