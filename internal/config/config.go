package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
	"github.com/betrusted-io/xous-core-sub012/internal/logutil"
	"github.com/betrusted-io/xous-core-sub012/internal/pddb"
	"github.com/betrusted-io/xous-core-sub012/internal/storage"
)

var ErrInvalid = errors.New("config: invalid value")

const (
	MediumMemory = "memory"
	MediumFile   = "file"
	MediumBolt   = "bolt"
	MediumMongo  = "mongo"
)

type Medium struct {
	Kind            string           `json:"kind"`
	Path            string           `json:"path,omitempty"`
	MongoURI        string           `json:"mongo_uri,omitempty"`
	MongoDB         string           `json:"mongo_db,omitempty"`
	MongoCollection string           `json:"mongo_collection,omitempty"`
	Geometry        storage.Geometry `json:"geometry"`
}

type Policy struct {
	MaxAttempts int    `json:"max_attempts"`
	// Cooldown is a Go duration string; empty means locked until reset.
	Cooldown    string `json:"cooldown,omitempty"`
}

type Server struct {
	Listen     string `json:"listen"`
	JWTIssuer  string `json:"jwt_issuer"`
	TokenTTL   string `json:"token_ttl"`
	// AdminHash is an argon2id hash in the auth package's encoding.
	AdminHash  string `json:"admin_hash"`
	// VendorHash, when set, admits a vendor principal to /api/vendor only.
	VendorHash string `json:"vendor_hash,omitempty"`
}

type Config struct {
	Medium     Medium           `json:"medium"`
	KDF        crypto.KDFParams `json:"kdf"`
	// KDFProfile picks preset costs ("desktop" or "mobile") when kdf is unset.
	KDFProfile string           `json:"kdf_profile,omitempty"`
	Policy     Policy           `json:"policy"`
	CachePages int              `json:"cache_pages"`
	ChaffRatio float64          `json:"chaff_ratio"`
	Server     Server           `json:"server"`
	Log        logutil.Config   `json:"log"`
}

// Default is what an empty file yields.
func Default() Config {
	var c Config
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Medium.Kind == "" {
		c.Medium.Kind = MediumFile
	}
	if c.Medium.Path == "" && c.Medium.Kind != MediumMemory && c.Medium.Kind != MediumMongo {
		c.Medium.Path = "./pddb.img"
	}
	if c.Medium.Kind == MediumMongo {
		if c.Medium.MongoDB == "" {
			c.Medium.MongoDB = "pddb"
		}
		if c.Medium.MongoCollection == "" {
			c.Medium.MongoCollection = "sectors"
		}
	}
	if c.Medium.Geometry == (storage.Geometry{}) {
		c.Medium.Geometry = storage.DefaultGeometry()
	}
	if c.KDF == (crypto.KDFParams{}) {
		switch c.KDFProfile {
		case "mobile":
			c.KDF = crypto.DefaultMobileKDF()
		default:
			c.KDF = crypto.DefaultDesktopKDF()
		}
	}
	if c.Policy.MaxAttempts <= 0 {
		c.Policy.MaxAttempts = pddb.DefaultPolicy().MaxAttempts
	}
	if c.CachePages == 0 {
		c.CachePages = pddb.DefaultCachePages
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:7480"
	}
	if c.Server.JWTIssuer == "" {
		c.Server.JWTIssuer = "pddbd"
	}
	if c.Server.TokenTTL == "" {
		c.Server.TokenTTL = "15m"
	}
	c.Log.SetDefaults()
}

// Load reads a YAML file. A missing path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(raw, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.Medium.Kind {
	case MediumMemory, MediumFile, MediumBolt:
	case MediumMongo:
		if c.Medium.MongoURI == "" {
			return fmt.Errorf("%w: medium.mongo_uri is required for mongo", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: medium.kind %q", ErrInvalid, c.Medium.Kind)
	}
	switch c.KDFProfile {
	case "", "desktop", "mobile":
	default:
		return fmt.Errorf("%w: kdf_profile %q", ErrInvalid, c.KDFProfile)
	}
	if err := c.KDF.Validate(); err != nil {
		return fmt.Errorf("%w: kdf: %v", ErrInvalid, err)
	}
	if err := c.Medium.Geometry.Validate(); err != nil {
		return err
	}
	if c.ChaffRatio < 0 || c.ChaffRatio > 1 {
		return fmt.Errorf("%w: chaff_ratio %v", ErrInvalid, c.ChaffRatio)
	}
	if _, err := c.PddbPolicy(); err != nil {
		return err
	}
	if _, err := c.TokenTTL(); err != nil {
		return err
	}
	return nil
}

func (c Config) PddbPolicy() (pddb.Policy, error) {
	p := pddb.Policy{MaxAttempts: c.Policy.MaxAttempts}
	if c.Policy.Cooldown != "" {
		d, err := time.ParseDuration(c.Policy.Cooldown)
		if err != nil || d < 0 {
			return pddb.Policy{}, fmt.Errorf("%w: policy.cooldown %q", ErrInvalid, c.Policy.Cooldown)
		}
		p.Cooldown = d
	}
	return p, nil
}

func (c Config) TokenTTL() (time.Duration, error) {
	d, err := time.ParseDuration(c.Server.TokenTTL)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: server.token_ttl %q", ErrInvalid, c.Server.TokenTTL)
	}
	return d, nil
}

// OpenBacking opens the medium the config names.
func (m Medium) OpenBacking(ctx context.Context) (storage.Backing, error) {
	switch m.Kind {
	case MediumMemory:
		return storage.NewMemoryBacking(m.Geometry)
	case MediumFile:
		return storage.OpenFileBacking(m.Path, m.Geometry)
	case MediumBolt:
		return storage.OpenBoltBacking(m.Path, m.Geometry)
	case MediumMongo:
		return storage.NewMongoBacking(ctx, m.MongoURI, m.MongoDB, m.MongoCollection, m.Geometry)
	}
	return nil, fmt.Errorf("%w: medium.kind %q", ErrInvalid, m.Kind)
}

// Marshal renders c as YAML, for `pddbctl config`.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
