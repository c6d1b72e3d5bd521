package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"artledger/internal/keys"
)

// Config models artledger.yml: the parties of a network and how their nodes run.
type Config struct {
	Network struct {
		// Notary names the party that provides finality.
		Notary string `yaml:"notary"`
	} `yaml:"network"`
	Parties     []Party     `yaml:"parties"`
	Flow        Flow        `yaml:"flow"`
	Checkpoints Checkpoints `yaml:"checkpoints"`
	Vault       Vault       `yaml:"vault"`
	Server      Server      `yaml:"server"`
	Logging     Logging     `yaml:"logging"`
}

type Party struct {
	Name     string `yaml:"name"`
	Mnemonic string `yaml:"mnemonic"`
	Notary   bool   `yaml:"notary"`
	APIAddr  string `yaml:"api_addr"`
	// Vault overrides the network wide vault settings for this party.
	Vault *Vault `yaml:"vault"`
}

type Flow struct {
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	FinalityTimeout time.Duration `yaml:"finality_timeout"`
	NotaryRetries   uint64        `yaml:"notary_retries"`
	NotaryBackoff   time.Duration `yaml:"notary_backoff"`
}

type Checkpoints struct {
	// Backend is memory, sql or redis.
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Prefix        string        `yaml:"prefix"`
	TTL           time.Duration `yaml:"ttl"`
	// Lock guards checkpoint writes with a redsync lock. Redis only.
	Lock bool `yaml:"lock"`
}

type Vault struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Server struct {
	BasePath  string  `yaml:"base_path"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with al config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "artledger.yml")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Parties) == 0 {
		return fmt.Errorf("config.parties is required")
	}
	names := map[string]bool{}
	pubKeys := map[string]string{}
	addrs := map[string]string{}
	var notaries []string
	for i, p := range c.Parties {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("config.parties[%d].name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("party %s is declared twice", p.Name)
		}
		names[p.Name] = true
		k, err := keys.FromMnemonic(p.Name, p.Mnemonic)
		if err != nil {
			return fmt.Errorf("party %s: %w", p.Name, err)
		}
		if other, ok := pubKeys[k.PublicKey()]; ok {
			return fmt.Errorf("parties %s and %s share a key", other, p.Name)
		}
		pubKeys[k.PublicKey()] = p.Name
		if p.Notary {
			notaries = append(notaries, p.Name)
			continue
		}
		if p.APIAddr != "" {
			if other, ok := addrs[p.APIAddr]; ok {
				return fmt.Errorf("parties %s and %s share api_addr %s", other, p.Name, p.APIAddr)
			}
			addrs[p.APIAddr] = p.Name
		}
		if p.Vault != nil {
			if err := p.Vault.validate(); err != nil {
				return fmt.Errorf("party %s: %w", p.Name, err)
			}
		}
	}
	if len(notaries) != 1 {
		return fmt.Errorf("exactly one notary party is required, found %d", len(notaries))
	}
	if c.Network.Notary != "" && c.Network.Notary != notaries[0] {
		return fmt.Errorf("config.network.notary %s is not the notary party %s", c.Network.Notary, notaries[0])
	}
	if len(c.Parties)-len(notaries) < 1 {
		return fmt.Errorf("at least one non-notary party is required")
	}
	if c.Flow.ResponseTimeout < 0 || c.Flow.FinalityTimeout < 0 || c.Flow.NotaryBackoff < 0 {
		return fmt.Errorf("config.flow durations must not be negative")
	}
	switch c.Checkpoints.Backend {
	case "", BackendMemory, BackendSQL:
	case BackendRedis:
		if c.Checkpoints.RedisAddr == "" {
			return fmt.Errorf("config.checkpoints.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.checkpoints.backend must be memory, sql or redis")
	}
	if c.Checkpoints.Lock && c.Checkpoints.Backend != BackendRedis {
		return fmt.Errorf("config.checkpoints.lock requires the redis backend")
	}
	if err := c.Vault.validate(); err != nil {
		return err
	}
	if c.Server.RateLimit < 0 || c.Server.Burst < 0 {
		return fmt.Errorf("config.server rate limits must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	return nil
}

func (v Vault) validate() error {
	switch v.Driver {
	case "", "sqlite":
	case "postgres":
		if v.DSN == "" {
			return fmt.Errorf("vault.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("vault.driver must be sqlite or postgres")
	}
	return nil
}

// NotaryParty returns the notary entry.
func (c *Config) NotaryParty() Party {
	for _, p := range c.Parties {
		if p.Notary {
			return p
		}
	}
	return Party{}
}

// Nodes returns the non-notary parties in declaration order.
func (c *Config) Nodes() []Party {
	var out []Party
	for _, p := range c.Parties {
		if !p.Notary {
			out = append(out, p)
		}
	}
	return out
}

// VaultFor returns the effective vault settings of a party.
func (c *Config) VaultFor(p Party) Vault {
	if p.Vault != nil {
		return *p.Vault
	}
	return c.Vault
}

// Default returns the sample network: three trading parties and a notary.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// The sample mnemonics are public BIP39 test vectors. Replace them with
// phrases from al keys generate before holding anything of value.
const defaultTemplate = `network:
  notary: Notary

parties:
  - name: PartyA
    mnemonic: "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
    api_addr: "127.0.0.1:10050"
  - name: PartyB
    mnemonic: "legal winner thank year wave sausage worth useful legal winner thank yellow"
    api_addr: "127.0.0.1:10060"
  - name: PartyC
    mnemonic: "letter advice cage absurd amount doctor acoustic avoid letter advice cage above"
    api_addr: "127.0.0.1:10070"
  - name: Notary
    notary: true
    mnemonic: "zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo wrong"

flow:
  response_timeout: 30s
  finality_timeout: 60s
  notary_retries: 5
  notary_backoff: 200ms

checkpoints:
  backend: sql

vault:
  driver: sqlite

server:
  base_path: /v0
  rate_limit: 20
  burst: 40

logging:
  level: info
  format: json
`
