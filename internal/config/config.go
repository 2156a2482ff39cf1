package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"o365collect/internal/domain"
)

type Config struct {
	Enabled          bool           `mapstructure:"enabled"`
	Interval         string         `mapstructure:"interval"`
	CurlMaxSize      string         `mapstructure:"curl_max_size"`
	OnlyFutureEvents bool           `mapstructure:"only_future_events"`
	Tenants          []TenantConfig `mapstructure:"tenants"`
	Subscriptions    []string       `mapstructure:"subscriptions"`
	Collect          CollectConfig  `mapstructure:"collect"`
	Output           OutputConfig   `mapstructure:"output"`
	Log              LogConfig      `mapstructure:"log"`
}

type TenantConfig struct {
	TenantID         string `mapstructure:"tenant_id"`
	ClientID         string `mapstructure:"client_id"`
	ClientSecret     string `mapstructure:"client_secret"`
	ClientSecretPath string `mapstructure:"client_secret_path"`
	APIType          string `mapstructure:"api_type"`
	Name             string `mapstructure:"name"`
}

type CollectConfig struct {
	WorkingDir       string                    `mapstructure:"workingDir"`
	CacheSize        int                       `mapstructure:"cacheSize"`
	MaxThreads       int                       `mapstructure:"maxThreads"`
	Retries          int                       `mapstructure:"retries"`
	SkipKnownLogs    bool                      `mapstructure:"skipKnownLogs"`
	HoursToCollect   int                       `mapstructure:"hoursToCollect"`
	GlobalTimeout    int                       `mapstructure:"globalTimeout"`
	DropExpiredBlobs bool                      `mapstructure:"dropExpiredBlobs"`
	ContentTypes     map[string]bool           `mapstructure:"-"`
	Filter           map[string]map[string]any `mapstructure:"filter"`
}

type OutputConfig struct {
	File              *FileOutputConfig    `mapstructure:"file"`
	Fluentd           *FluentdOutputConfig `mapstructure:"fluentd"`
	Graylog           *GraylogOutputConfig `mapstructure:"graylog"`
	AzureLogAnalytics *OmsOutputConfig     `mapstructure:"azureLogAnalytics"`
}

type FileOutputConfig struct {
	Path                  string `mapstructure:"path"`
	SeparateByContentType bool   `mapstructure:"separateByContentType"`
}

type FluentdOutputConfig struct {
	TenantName string `mapstructure:"tenantName"`
	Address    string `mapstructure:"address"`
	Port       int    `mapstructure:"port"`
}

type GraylogOutputConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

type OmsOutputConfig struct {
	WorkspaceID string `mapstructure:"workspaceId"`
}

type LogConfig struct {
	Path  string `mapstructure:"path"`
	Debug bool   `mapstructure:"debug"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("o365collect")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %v", domain.ErrConfigInvalid, err)
	}
	// Feed names contain viper's key delimiter, so the legacy contentTypes
	// map is read key by key rather than through Unmarshal.
	for _, f := range domain.AllFeeds() {
		if v.GetBool("collect.contentTypes." + string(f)) {
			if cfg.Collect.ContentTypes == nil {
				cfg.Collect.ContentTypes = make(map[string]bool)
			}
			cfg.Collect.ContentTypes[string(f)] = true
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("enabled", true)
	v.SetDefault("interval", "5m")
	v.SetDefault("curl_max_size", "10M")
	v.SetDefault("collect.workingDir", "./")
	v.SetDefault("collect.cacheSize", 500000)
	v.SetDefault("collect.maxThreads", 50)
	v.SetDefault("collect.retries", 3)
	v.SetDefault("collect.skipKnownLogs", true)
	v.SetDefault("collect.hoursToCollect", 24)
	v.SetDefault("collect.globalTimeout", 30)
}

func (c Config) Validate() error {
	if len(c.Tenants) == 0 {
		return fmt.Errorf("%w: at least one tenant is required", domain.ErrConfigInvalid)
	}
	for i, t := range c.Tenants {
		if t.TenantID == "" {
			return fmt.Errorf("%w: tenants[%d].tenant_id is required", domain.ErrConfigInvalid, i)
		}
		if t.ClientID == "" {
			return fmt.Errorf("%w: tenants[%d].client_id is required", domain.ErrConfigInvalid, i)
		}
		if t.ClientSecret == "" && t.ClientSecretPath == "" {
			return fmt.Errorf("%w: tenants[%d] needs client_secret or client_secret_path", domain.ErrConfigInvalid, i)
		}
		if _, _, err := domain.APIVariant(t.APIType).Endpoints(); err != nil {
			return fmt.Errorf("%w: tenants[%d]: %v", domain.ErrConfigInvalid, i, err)
		}
	}
	if _, err := c.Feeds(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	if _, err := ParseInterval(c.Interval); err != nil {
		return fmt.Errorf("%w: interval: %v", domain.ErrConfigInvalid, err)
	}
	if _, err := ParseSize(c.CurlMaxSize); err != nil {
		return fmt.Errorf("%w: curl_max_size: %v", domain.ErrConfigInvalid, err)
	}
	if c.Collect.HoursToCollect > 168 {
		return fmt.Errorf("%w: hoursToCollect cannot exceed 168 (API retention)", domain.ErrConfigInvalid)
	}
	if c.Output.File == nil && c.Output.Fluentd == nil && c.Output.Graylog == nil && c.Output.AzureLogAnalytics == nil {
		return fmt.Errorf("%w: at least one output must be configured", domain.ErrConfigInvalid)
	}
	if c.Output.File != nil && c.Output.File.Path == "" {
		return fmt.Errorf("%w: output.file.path is required", domain.ErrConfigInvalid)
	}
	if f := c.Output.Fluentd; f != nil && (f.Address == "" || f.Port == 0) {
		return fmt.Errorf("%w: output.fluentd needs address and port", domain.ErrConfigInvalid)
	}
	if g := c.Output.Graylog; g != nil && (g.Address == "" || g.Port == 0) {
		return fmt.Errorf("%w: output.graylog needs address and port", domain.ErrConfigInvalid)
	}
	if o := c.Output.AzureLogAnalytics; o != nil && o.WorkspaceID == "" {
		return fmt.Errorf("%w: output.azureLogAnalytics.workspaceId is required", domain.ErrConfigInvalid)
	}
	return nil
}

// Feeds resolves the subscription list. The flat subscriptions list wins;
// the legacy collect.contentTypes boolean map is still honoured.
func (c Config) Feeds() ([]domain.Feed, error) {
	names := c.Subscriptions
	if len(names) == 0 {
		for _, f := range domain.AllFeeds() {
			if c.Collect.ContentTypes[string(f)] {
				names = append(names, string(f))
			}
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no subscriptions configured")
	}
	feeds := make([]domain.Feed, 0, len(names))
	for _, n := range names {
		f, err := domain.ParseFeed(n)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, nil
}

// DomainTenants converts the raw tenant entries into domain values.
func (c Config) DomainTenants() []domain.Tenant {
	out := make([]domain.Tenant, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		name := t.Name
		if name == "" && c.Output.Fluentd != nil {
			name = c.Output.Fluentd.TenantName
		}
		out = append(out, domain.Tenant{
			TenantID: t.TenantID,
			ClientID: t.ClientID,
			Name:     name,
			Secret:   domain.SecretSource{Inline: t.ClientSecret, Path: t.ClientSecretPath},
			Variant:  domain.APIVariant(t.APIType),
		})
	}
	return out
}

func (c Config) IntervalDuration() time.Duration {
	d, err := ParseInterval(c.Interval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

func (c Config) MaxBlobSize() int64 {
	n, err := ParseSize(c.CurlMaxSize)
	if err != nil {
		return 10 << 20
	}
	return n
}

// ParseInterval understands "30s", "5m", "1h", "1d" and bare seconds.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 5 * time.Minute, nil
	}
	unit := time.Second
	switch {
	case strings.HasSuffix(s, "s"):
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		s, unit = s[:len(s)-1], time.Minute
	case strings.HasSuffix(s, "h"):
		s, unit = s[:len(s)-1], time.Hour
	case strings.HasSuffix(s, "d"):
		s, unit = s[:len(s)-1], 24*time.Hour
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return time.Duration(n) * unit, nil
}

// ParseSize understands "500K", "10M", "2G" and bare bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 10 << 20, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		s, mult = s[:len(s)-1], 1<<10
	case strings.HasSuffix(s, "M"):
		s, mult = s[:len(s)-1], 1<<20
	case strings.HasSuffix(s, "G"):
		s, mult = s[:len(s)-1], 1<<30
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
