package config

import (
	"os"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "test_config_*.ini")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("write config: %v", err)
	}
	tmpFile.Close()
	return tmpFile.Name()
}

func TestDefaults(t *testing.T) {
	conf, err := Load("")
	if err != nil {
		t.Fatalf("load without file: %v", err)
	}

	if conf.GetString("LogLevel") != "info" {
		t.Errorf("expected LogLevel=info, got %s", conf.GetString("LogLevel"))
	}
	if conf.GetString("Database") != "opentune.db" {
		t.Errorf("expected Database=opentune.db, got %s", conf.GetString("Database"))
	}
	if conf.GetInt("CandidateDelayMS") != 500 {
		t.Errorf("expected CandidateDelayMS=500, got %d", conf.GetInt("CandidateDelayMS"))
	}
	if conf.GetInt("MidStreamRetryMax") != 2 {
		t.Errorf("expected MidStreamRetryMax=2, got %d", conf.GetInt("MidStreamRetryMax"))
	}
	if conf.GetInt("GormSlowThresholdMS") != 200 {
		t.Errorf("expected GormSlowThresholdMS=200, got %d", conf.GetInt("GormSlowThresholdMS"))
	}
	if !conf.GetBool("AutoFallback") {
		t.Error("expected AutoFallback default true")
	}
	if conf.GetBool("CrossfadeEnabled") {
		t.Error("expected CrossfadeEnabled default false")
	}
	if conf.GetInt("DownloadConcurrency") != 5 {
		t.Errorf("expected DownloadConcurrency=5, got %d", conf.GetInt("DownloadConcurrency"))
	}
}

func TestLoadINIOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `LogLevel = debug
Database = custom.db
CacheDir = /tmp/cache
CrossfadeEnabled = true
CrossfadeSeconds = 8
PreferredInstance = https://pipedapi.example.org
`)

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if conf.GetString("LogLevel") != "debug" {
		t.Errorf("expected LogLevel=debug, got %s", conf.GetString("LogLevel"))
	}
	if conf.GetString("Database") != "custom.db" {
		t.Errorf("expected Database=custom.db, got %s", conf.GetString("Database"))
	}
	if !conf.GetBool("CrossfadeEnabled") {
		t.Error("expected CrossfadeEnabled=true")
	}
	if conf.GetInt("CrossfadeSeconds") != 8 {
		t.Errorf("expected CrossfadeSeconds=8, got %d", conf.GetInt("CrossfadeSeconds"))
	}

	// Untouched keys keep their defaults.
	if conf.GetInt("HistoryKeep") != 500 {
		t.Errorf("expected HistoryKeep default, got %d", conf.GetInt("HistoryKeep"))
	}
}

func TestInstanceSections(t *testing.T) {
	path := writeConfig(t, `LogLevel = info

[instances.kavin]
url = https://pipedapi.kavin.rocks
region = IN
preferred = true

[instances.garuda]
url = https://api.piped.garudalinux.org
region = EU
preferred = false
`)

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	names := conf.InstanceNames()
	if len(names) != 2 || names[0] != "garuda" || names[1] != "kavin" {
		t.Fatalf("expected sorted instance names, got %v", names)
	}

	kavin, ok := conf.GetInstanceConfig("kavin")
	if !ok {
		t.Fatal("expected kavin instance config")
	}
	if kavin["url"] != "https://pipedapi.kavin.rocks" {
		t.Errorf("unexpected url: %s", kavin["url"])
	}

	if conf.GetInstanceString("kavin", "region") != "IN" {
		t.Errorf("GetInstanceString failed")
	}
	if !conf.GetInstanceBool("kavin", "preferred") {
		t.Error("expected kavin preferred")
	}
	if conf.GetInstanceBool("garuda", "preferred") {
		t.Error("expected garuda not preferred")
	}
}

func TestInstanceConfigNotFound(t *testing.T) {
	path := writeConfig(t, `LogLevel = info`)

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if _, ok := conf.GetInstanceConfig("nonexistent"); ok {
		t.Error("expected nonexistent instance to not be found")
	}
	if conf.GetInstanceString("nonexistent", "url") != "" {
		t.Error("expected empty string for nonexistent instance")
	}
	if conf.GetInstanceBool("nonexistent", "preferred") {
		t.Error("expected false for nonexistent instance")
	}
	if conf.InstanceNames() != nil {
		t.Error("expected nil name list without instance sections")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.ini"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
