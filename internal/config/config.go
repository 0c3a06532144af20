package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Provider ProviderConfig `yaml:"provider"`
	Host     HostConfig     `yaml:"host"`
	Sync     SyncConfig     `yaml:"sync"`
	Workers  WorkersConfig  `yaml:"workers"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name"`
	Charset            string        `yaml:"charset"`
	ParseTime          bool          `yaml:"parse_time"`
	Loc                string        `yaml:"loc"`
	MaxConnections     int           `yaml:"max_connections"`
	MaxIdleConnections int           `yaml:"max_idle_connections"`
	ConnectionLifetime time.Duration `yaml:"connection_lifetime"`
}

type RedisConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
	PhotoQueue  string `yaml:"photo_queue"`
	EventsQueue string `yaml:"events_queue"`
	DLQSuffix   string `yaml:"dlq_suffix"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ProviderConfig carries the site-wide provider policy that the original
// plugin kept in its admin settings.
type ProviderConfig struct {
	GlobalSharedSecret           string `yaml:"global_shared_secret"`
	DefaultAuthMethod            string `yaml:"default_auth_method"`
	DefaultLang                  string `yaml:"default_lang"`
	DuplicateCoursesWithoutUsers bool   `yaml:"duplicate_courses_without_users"`
	KeepTempDirectoriesOnBackup  bool   `yaml:"keep_temp_directories_on_backup"`
}

// HostConfig points at the LMS host this service runs beside: its table
// prefix in the shared database and its backup/restore service endpoint.
type HostConfig struct {
	TablePrefix string              `yaml:"table_prefix"`
	Backup      BackupServiceConfig `yaml:"backup"`
}

type BackupServiceConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type SyncConfig struct {
	GradesInterval     time.Duration `yaml:"grades_interval"`
	MembershipInterval time.Duration `yaml:"membership_interval"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	RestoreInterval    time.Duration `yaml:"restore_interval"`
	RestoreLease       time.Duration `yaml:"restore_lease"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	PhotoTimeout       time.Duration `yaml:"photo_timeout"`
	PassTimeout        time.Duration `yaml:"pass_timeout"`
}

type WorkersConfig struct {
	Photo PhotoWorkerConfig `yaml:"photo"`
}

type PhotoWorkerConfig struct {
	Count int `yaml:"count"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.GradesInterval == 0 {
		c.Sync.GradesInterval = 15 * time.Minute
	}
	if c.Sync.MembershipInterval == 0 {
		c.Sync.MembershipInterval = 30 * time.Minute
	}
	if c.Sync.CleanupInterval == 0 {
		c.Sync.CleanupInterval = 24 * time.Hour
	}
	if c.Sync.RestoreInterval == 0 {
		c.Sync.RestoreInterval = time.Hour
	}
	if c.Sync.RestoreLease == 0 {
		c.Sync.RestoreLease = time.Hour
	}
	if c.Sync.RequestTimeout == 0 {
		c.Sync.RequestTimeout = 30 * time.Second
	}
	if c.Sync.PhotoTimeout == 0 {
		c.Sync.PhotoTimeout = 5 * time.Second
	}
	if c.Workers.Photo.Count == 0 {
		c.Workers.Photo.Count = 2
	}
	if c.Host.Backup.Timeout == 0 {
		c.Host.Backup.Timeout = 10 * time.Minute
	}
}

// MySQL DSN format: [username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port,
		c.Database.Name, c.Database.Charset, c.Database.ParseTime, c.Database.Loc)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
