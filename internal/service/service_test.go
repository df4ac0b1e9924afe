package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	c "github.com/pvik/fleetd/internal/config"

	log "github.com/sirupsen/logrus"
)

func TestSetupLoggingToFile(t *testing.T) {
	dir := t.TempDir()
	defer log.SetLevel(log.InfoLevel)
	defer log.SetFormatter(&log.TextFormatter{})

	err := SetupLogging(c.LogConfig{Format: "json", Output: "file", Dir: dir, Level: "debug"}, "fleetd-test")
	if err != nil {
		t.Fatal(err)
	}
	log.WithField("instance", "i1").Debug("written to file")
	Shutdown()

	if log.GetLevel() != log.DebugLevel {
		t.Errorf("level = %s", log.GetLevel())
	}
	b, err := os.ReadFile(filepath.Join(dir, "fleetd-test.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"instance":"i1"`) {
		t.Errorf("log file = %s", b)
	}
}

func TestSetupLoggingBadDir(t *testing.T) {
	err := SetupLogging(c.LogConfig{Output: "file", Dir: filepath.Join(t.TempDir(), "missing")}, "fleetd-test")
	if err == nil {
		t.Fatal("missing log directory accepted")
	}
}

func TestInitServiceNeedsConf(t *testing.T) {
	if err := InitService(""); err == nil {
		t.Fatal("empty config path accepted")
	}
}
