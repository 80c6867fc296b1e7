package fetchq

import (
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/UniQw/fetchq/internal/cache"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"gopkg.in/yaml.v3"
)

// Config defines the settings consumed when a Manager is constructed.
type Config struct {
	// Concurrency is the fixed number of workers.
	Concurrency int `yaml:"concurrency" validate:"gte=1,lte=64"`
	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	// ReadTimeout bounds the wait for response headers and for each body read.
	ReadTimeout time.Duration `yaml:"read_timeout" validate:"gt=0"`
	// MaxContentSize rejects resources declaring a larger total. Zero disables the check.
	MaxContentSize ByteSize `yaml:"max_content_size" validate:"gte=0"`
	// MinFreeStorage is the free space the cache volume must keep. Zero disables the check.
	MinFreeStorage ByteSize `yaml:"min_free_storage" validate:"gte=0"`
	// CacheDir holds complete and staging artifacts.
	CacheDir string `yaml:"cache_dir" validate:"required"`
	// CacheMaxBytes and CacheMaxFiles bound the cache. Zero means unlimited.
	CacheMaxBytes ByteSize `yaml:"cache_max_bytes" validate:"gte=0"`
	CacheMaxFiles int      `yaml:"cache_max_files" validate:"gte=0"`
	// RetryBackoff is the pause before the first replay of a failed task.
	RetryBackoff time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	// TokenNamespace scopes persisted freshness tokens.
	TokenNamespace string `yaml:"token_namespace" validate:"omitempty,max=64"`

	Logger     Logger        `yaml:"-" validate:"-"`
	Policy     NetworkPolicy `yaml:"-" validate:"-"`
	Storage    StoragePolicy `yaml:"-" validate:"-"`
	Tokens     TokenStore    `yaml:"-" validate:"-"`
	HTTPClient *http.Client  `yaml:"-" validate:"-"`
}

// DefaultConfig returns a Config with the stock limits and a cache under the
// user cache directory.
func DefaultConfig() Config {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return Config{
		Concurrency:    3,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    30 * time.Second,
		MaxContentSize: 450 * MiB,
		MinFreeStorage: 100 * MiB,
		CacheDir:       filepath.Join(dir, "fetchq"),
		CacheMaxBytes:  ByteSize(cache.DefaultMaxBytes),
		CacheMaxFiles:  cache.DefaultMaxFiles,
		RetryBackoff:   500 * time.Millisecond,
		TokenNamespace: "default",
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. Keys missing from the
// file keep their default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv overlays FETCHQ_* environment variables onto c.
func (c *Config) LoadFromEnv() error {
	for _, v := range []struct {
		name string
		set  func(string) error
	}{
		{"FETCHQ_CONCURRENCY", intSetter(&c.Concurrency)},
		{"FETCHQ_CONNECT_TIMEOUT", durationSetter(&c.ConnectTimeout)},
		{"FETCHQ_READ_TIMEOUT", durationSetter(&c.ReadTimeout)},
		{"FETCHQ_MAX_CONTENT_SIZE", c.MaxContentSize.setter()},
		{"FETCHQ_MIN_FREE_STORAGE", c.MinFreeStorage.setter()},
		{"FETCHQ_CACHE_DIR", func(s string) error { c.CacheDir = s; return nil }},
		{"FETCHQ_CACHE_MAX_BYTES", c.CacheMaxBytes.setter()},
		{"FETCHQ_CACHE_MAX_FILES", intSetter(&c.CacheMaxFiles)},
		{"FETCHQ_RETRY_BACKOFF", durationSetter(&c.RetryBackoff)},
		{"FETCHQ_TOKEN_NAMESPACE", func(s string) error { c.TokenNamespace = s; return nil }},
	} {
		s := os.Getenv(v.name)
		if s == "" {
			continue
		}
		if err := v.set(s); err != nil {
			return fmt.Errorf("parse %s: %w", v.name, err)
		}
	}
	return nil
}

func intSetter(dst *int) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func durationSetter(dst *time.Duration) func(string) error {
	return func(s string) error {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	validate = validator.New()
	var ok bool
	translator, ok = ut.New(en.New(), en.New()).GetTranslator("en")
	if !ok {
		panic("fetchq: failed to get 'en' translator")
	}
	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks c against its declared constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		verrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		fields := make(FieldErrors, 0, len(verrors))
		for _, verror := range verrors {
			fields = append(fields, FieldError{Field: verror.Field(), Err: verror.Translate(translator)})
		}
		return fields
	}
	return nil
}

// FieldError is a single invalid Config field.
type FieldError struct {
	Field string `json:"field"`
	Err   string `json:"error"`
}

// FieldErrors collects every invalid Config field.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, f := range fe {
		parts[i] = f.Field + ": " + f.Err
	}
	return "fetchq: invalid config: " + strings.Join(parts, "; ")
}

// ByteSize is a byte count that decodes from plain integers or strings such as "32MB".
type ByteSize int64

const (
	KiB ByteSize = 1 << (10 * (iota + 1))
	MiB
	GiB
	TiB
)

// UnmarshalYAML accepts an integer or a suffixed string.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := ParseBytes(value.Value)
	if err != nil {
		return err
	}
	*b = n
	return nil
}

func (b *ByteSize) setter() func(string) error {
	return func(s string) error {
		n, err := ParseBytes(s)
		if err != nil {
			return err
		}
		*b = n
		return nil
	}
}

// ParseBytes parses sizes like "512", "64KB", "1.5GB" using binary multiples.
func ParseBytes(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	mult := ByteSize(1)
	for _, u := range []struct {
		suffix string
		mult   ByteSize
	}{{"TB", TiB}, {"GB", GiB}, {"MB", MiB}, {"KB", KiB}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			mult = u.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid byte string: %q", s)
	}
	n := v * float64(mult)
	if n >= math.MaxInt64 {
		return 0, fmt.Errorf("byte string out of range: %q", s)
	}
	return ByteSize(n), nil
}
