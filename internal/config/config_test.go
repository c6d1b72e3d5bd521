package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if got := len(cfg.Nodes()); got != 3 {
		t.Fatalf("expected 3 trading parties, got %d", got)
	}
	if cfg.NotaryParty().Name != "Notary" {
		t.Fatalf("unexpected notary %q", cfg.NotaryParty().Name)
	}
	if cfg.Flow.ResponseTimeout != 30*time.Second {
		t.Fatalf("response timeout not parsed: %v", cfg.Flow.ResponseTimeout)
	}
	if cfg.VaultFor(cfg.Nodes()[0]).Driver != "sqlite" {
		t.Fatalf("expected sqlite vault")
	}
}

func TestValidateRejects(t *testing.T) {
	base := GenerateDefault()
	cases := map[string]struct {
		yaml string
		want string
	}{
		"no notary": {
			yaml: strings.Replace(base, "    notary: true\n", "", 1),
			want: "exactly one notary",
		},
		"bad mnemonic": {
			yaml: strings.Replace(base, "zoo zoo zoo", "zoo zoo foo", 1),
			want: "invalid mnemonic",
		},
		"duplicate party": {
			yaml: strings.Replace(base, "name: PartyB", "name: PartyA", 1),
			want: "declared twice",
		},
		"shared address": {
			yaml: strings.Replace(base, "127.0.0.1:10060", "127.0.0.1:10050", 1),
			want: "share api_addr",
		},
		"redis without addr": {
			yaml: strings.Replace(base, "backend: sql", "backend: redis", 1),
			want: "redis_addr",
		},
		"lock without redis": {
			yaml: strings.Replace(base, "backend: sql", "backend: sql\n  lock: true", 1),
			want: "requires the redis backend",
		},
		"postgres without dsn": {
			yaml: strings.Replace(base, "driver: sqlite", "driver: postgres", 1),
			want: "dsn is required",
		},
		"bad log format": {
			yaml: strings.Replace(base, "format: json", "format: xml", 1),
			want: "logging.format",
		},
		"wrong notary name": {
			yaml: strings.Replace(base, "notary: Notary", "notary: PartyA", 1),
			want: "is not the notary party",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "artledger.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
}
