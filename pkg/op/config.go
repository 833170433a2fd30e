package op

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"gopkg.in/yaml.v3"

	"github.com/authlab/oidp/pkg/jose"
	"github.com/authlab/oidp/pkg/nonce"
)

type Config struct {
	BaseDir            string        `yaml:"-"`
	Issuer             string        `yaml:"issuer" validate:"required"`
	Address            string        `yaml:"address"`
	SigningKeysPath    string        `yaml:"signing_keys_path"`
	AllowNoneAlgorithm bool          `yaml:"allow_none_algorithm"`
	AccessTokenTTL     time.Duration `yaml:"access_token_ttl"`
	IDTokenTTL         time.Duration `yaml:"id_token_ttl"`
	Clients            []*Client     `yaml:"clients" validate:"dive,required"`
	Users              []*User       `yaml:"users" validate:"dive,required"`
}

// LoadConfigFile reads a yaml config with environment variables expanded,
// so secrets can stay out of the file.
func LoadConfigFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	expanded := os.ExpandEnv(string(content))

	cfg := new(Config)
	cfg.BaseDir = filepath.Dir(path)

	err = yaml.Unmarshal([]byte(expanded), cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	return cfg, nil
}

func absPath(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// NewAuthorizerFromConfig validates the config and assembles the
// authorizer with its stores and key material.
func NewAuthorizerFromConfig(cfg *Config, codes nonce.Service) (*Authorizer, error) {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("yaml")
	})
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	keys, err := loadSigningKeys(cfg)
	if err != nil {
		return nil, err
	}

	clients := NewMemoryClientsRegistry(&StaticClientsRegistry{Clients: cfg.Clients})
	source := &StaticClaimsSource{Users: cfg.Users}

	opts := []AuthorizerOption{
		WithPolicy(jose.Policy{AllowNone: cfg.AllowNoneAlgorithm}),
	}
	if cfg.AccessTokenTTL > 0 || cfg.IDTokenTTL > 0 {
		accessTokenTTL := cfg.AccessTokenTTL
		if accessTokenTTL == 0 {
			accessTokenTTL = 5 * time.Minute
		}
		idTokenTTL := cfg.IDTokenTTL
		if idTokenTTL == 0 {
			idTokenTTL = time.Hour
		}
		opts = append(opts, WithTokenTTLs(accessTokenTTL, idTokenTTL))
	}

	return NewAuthorizer(cfg.Issuer, clients, NewMemorySessionStore(), source, keys, codes, opts...), nil
}

// loadSigningKeys reads the keystore from disk, accepting either a JWK set
// or a single PEM encoded private key. Without a path, or when loading
// fails, a random keystore is generated.
func loadSigningKeys(cfg *Config) (jwk.Set, error) {
	if cfg.SigningKeysPath != "" {
		path := absPath(cfg.BaseDir, cfg.SigningKeysPath)
		data, err := os.ReadFile(path)
		if err == nil {
			if set, err := jwk.Parse(data); err == nil {
				return set, nil
			}
			if key, err := jwk.ParseKey(data, jwk.WithPEM(true)); err == nil {
				set := jwk.NewSet()
				if err := set.AddKey(key); err != nil {
					return nil, fmt.Errorf("adding key: %w", err)
				}
				return set, nil
			}
		}
		slog.Warn("failed to load signing keys, will create random", "path", cfg.SigningKeysPath)
	}
	return jose.GenerateKeySet()
}
