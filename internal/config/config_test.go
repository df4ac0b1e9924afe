package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad(t *testing.T) {
	p := writeConf(t, `
[db]
type = "sqlite"
path = "/var/lib/fleetd/fleetd.db"

[ssh]
connect-timeout = "3s"
breaker-threshold = 5

[pipeline]
git-repo-url = "git@git.example.com:tenant/app.git"
schemas = ["public", "audit"]
proxy = "caddy"

[worker]
stuck-max-age = "90m"

[ops]
jwt-secret = "s3cret"
`)
	conf, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}

	if conf.DBConfig.Type != "sqlite" || conf.DBConfig.Path != "/var/lib/fleetd/fleetd.db" {
		t.Errorf("db = %+v", conf.DBConfig)
	}
	if conf.SSH.ConnectTimeout.Duration != 3*time.Second || conf.SSH.BreakerThreshold != 5 {
		t.Errorf("ssh = %+v", conf.SSH)
	}
	// unset values fall back to defaults
	if conf.SSH.PoolTTL.Duration != 5*time.Minute || conf.Pipeline.DefaultBranch != "main" {
		t.Errorf("defaults not applied: %+v %+v", conf.SSH, conf.Pipeline)
	}
	if len(conf.Pipeline.Schemas) != 2 || conf.Pipeline.ProxyKind != "caddy" {
		t.Errorf("pipeline = %+v", conf.Pipeline)
	}
	if conf.Worker.StuckMaxAge.Duration != 90*time.Minute || conf.Worker.PendingScan != "@every 30s" {
		t.Errorf("worker = %+v", conf.Worker)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad duration", body: "[ssh]\nconnect-timeout = \"soon\"\n"},
		{name: "bad toml", body: "[ssh\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConf(t, tt.body)); err == nil {
				t.Fatal("config accepted")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestRedacted(t *testing.T) {
	conf := Default()
	conf.DBConfig.Password = "pw"
	conf.Ops.JWTSecret = "jwt"
	conf.Sealing.Identity = "AGE-SECRET-KEY-1XYZ"

	r := conf.Redacted()
	for _, v := range []string{r.DBConfig.Password, r.Ops.JWTSecret, r.Sealing.Identity} {
		if v != "***" {
			t.Errorf("value %q not redacted", v)
		}
	}
	if conf.DBConfig.Password != "pw" {
		t.Error("Redacted modified the receiver")
	}
	if !strings.HasPrefix(conf.Sealing.Identity, "AGE-") {
		t.Error("identity changed")
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatal(err)
	}
	out, _ := d.MarshalText()
	if string(out) != "1m30s" {
		t.Errorf("marshal = %s", out)
	}
}
