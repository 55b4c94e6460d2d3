package config

import (
	"fmt"
	"os"
	"path"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v2"
)

type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	ApiKey string `yaml:"api_key" json:"api_key"`
}

type DBConfig struct {
	Type   string `yaml:"type" json:"type"`
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Name   string `yaml:"name" json:"name"`
	User   string `yaml:"user" json:"user"`
	Passwd string `yaml:"passwd" json:"passwd"`
	Debug  bool   `yaml:"debug" json:"debug"`
}

type WebhookConfig struct {
	// MaxAttempts bounds delivery retries per logical event.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// Timeout is the per-attempt HTTP timeout in seconds.
	Timeout int `yaml:"timeout" json:"timeout"`
}

type RetentionConfig struct {
	// Days of message and webhook audit history to keep; 0 disables pruning.
	Days int `yaml:"days" json:"days"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type AppConfig struct {
	System    SysConfig       `yaml:"system" json:"system"`
	Web       WebConfig       `yaml:"web" json:"web"`
	Database  DBConfig        `yaml:"database" json:"database"`
	Webhook   WebhookConfig   `yaml:"webhook" json:"webhook"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	Logger    LogConfig       `yaml:"logger" json:"logger"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetSessionDir() string {
	return path.Join(c.System.Workdir, "sessions")
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "WhatsappApi",
		Location: "America/Lima",
		Workdir:  "/var/whatsapp-api",
		Debug:    true,
	},
	Web: WebConfig{
		Host:   "0.0.0.0",
		Port:   1816,
		ApiKey: "",
	},
	Database: DBConfig{
		Type:   "postgres",
		Host:   "127.0.0.1",
		Port:   5432,
		Name:   "whatsapp_api",
		User:   "postgres",
		Passwd: "",
		Debug:  false,
	},
	Webhook: WebhookConfig{
		MaxAttempts: 3,
		Timeout:     10,
	},
	Retention: RetentionConfig{
		Days: 90,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/whatsapp-api/logs/whatsapp-api.log",
	},
}

func setEnvStrValue(name string, val *string) {
	evalue := os.Getenv(name)
	if evalue != "" {
		*val = evalue
	}
}

func setEnvIntValue(name string, val *int) {
	evalue := os.Getenv(name)
	if evalue != "" {
		*val = cast.ToInt(evalue)
	}
}

func setEnvBoolValue(name string, val *bool) {
	evalue := os.Getenv(name)
	if evalue != "" {
		*val = cast.ToBool(evalue)
	}
}

// LoadConfig reads the yaml configuration file and applies WAAPI_* environment
// overrides on top. A missing file yields the defaults.
func LoadConfig(cfile string) *AppConfig {
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig
	if cfile != "" {
		if _, err := os.Stat(cfile); err == nil {
			data, err := os.ReadFile(cfile)
			if err != nil {
				panic(fmt.Errorf("read config %s: %w", cfile, err))
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				panic(fmt.Errorf("parse config %s: %w", cfile, err))
			}
		}
	}

	setEnvStrValue("WAAPI_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvBoolValue("WAAPI_SYSTEM_DEBUG", &cfg.System.Debug)
	setEnvStrValue("WAAPI_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("WAAPI_WEB_PORT", &cfg.Web.Port)
	setEnvStrValue("WAAPI_WEB_API_KEY", &cfg.Web.ApiKey)
	setEnvStrValue("WAAPI_DB_TYPE", &cfg.Database.Type)
	setEnvStrValue("WAAPI_DB_HOST", &cfg.Database.Host)
	setEnvIntValue("WAAPI_DB_PORT", &cfg.Database.Port)
	setEnvStrValue("WAAPI_DB_NAME", &cfg.Database.Name)
	setEnvStrValue("WAAPI_DB_USER", &cfg.Database.User)
	setEnvStrValue("WAAPI_DB_PWD", &cfg.Database.Passwd)
	setEnvIntValue("WAAPI_WEBHOOK_MAX_ATTEMPTS", &cfg.Webhook.MaxAttempts)
	setEnvIntValue("WAAPI_WEBHOOK_TIMEOUT", &cfg.Webhook.Timeout)
	setEnvIntValue("WAAPI_RETENTION_DAYS", &cfg.Retention.Days)
	setEnvStrValue("WAAPI_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBoolValue("WAAPI_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)
	setEnvStrValue("WAAPI_LOGGER_FILENAME", &cfg.Logger.Filename)

	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = DefaultAppConfig.Webhook.MaxAttempts
	}
	if cfg.Webhook.Timeout <= 0 {
		cfg.Webhook.Timeout = DefaultAppConfig.Webhook.Timeout
	}

	return cfg
}
