package server

import (
	"net/url"
	"testing"
)

func TestDBDSNFromEnv_DatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@h:5432/db?sslmode=disable")

	if got := dbDSNFromEnv(); got != "postgres://u:p@h:5432/db?sslmode=disable" {
		t.Fatalf("got=%q", got)
	}
}

func TestDBDSNFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"DATABASE_URL", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE", "DB_APP_NAME",
	} {
		t.Setenv(key, "")
	}

	got := dbDSNFromEnv()
	u, err := url.Parse(got)
	if err != nil {
		t.Fatal(err)
	}
	if u.Scheme != "postgres" {
		t.Fatalf("scheme=%q", u.Scheme)
	}
	if u.Host != "127.0.0.1:5432" {
		t.Fatalf("host=%q", u.Host)
	}
	if u.Path != "/parcelsync" {
		t.Fatalf("path=%q", u.Path)
	}
	if u.Query().Get("sslmode") != "disable" {
		t.Fatalf("sslmode=%q", u.Query().Get("sslmode"))
	}
	if u.Query().Get("application_name") != "parcelsync" {
		t.Fatalf("application_name=%q", u.Query().Get("application_name"))
	}
}

func TestDBDSNFromEnv_PartOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6432")
	t.Setenv("DB_NAME", "parcelsync_test")
	t.Setenv("DB_SSLMODE", "require")

	u, err := url.Parse(dbDSNFromEnv())
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "db.internal:6432" {
		t.Fatalf("host=%q", u.Host)
	}
	if u.Path != "/parcelsync_test" {
		t.Fatalf("path=%q", u.Path)
	}
	if u.Query().Get("sslmode") != "require" {
		t.Fatalf("sslmode=%q", u.Query().Get("sslmode"))
	}
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv("X_TEST_ENV", "v")

	if got := getenvDefault("X_TEST_ENV", "d"); got != "v" {
		t.Fatalf("got=%q", got)
	}
	if got := getenvDefault("X_NO_SUCH_ENV", "d"); got != "d" {
		t.Fatalf("got=%q", got)
	}
}
