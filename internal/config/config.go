package config

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type AppConfig struct {
	ServerAddr string `mapstructure:"SERVER_ADDR" validate:"min=2"`
	GinMode    string `mapstructure:"GIN_MODE" validate:"min=4"`

	DataDir  string `mapstructure:"DATA_DIR" validate:"min=1"`
	SlotPath string `mapstructure:"SLOT_PATH" validate:"min=1"`

	ListURL   string `mapstructure:"LIST_URL" validate:"url"`
	DeviceID  string `mapstructure:"DEVICE_ID" validate:"min=1"`
	UserAgent string `mapstructure:"USER_AGENT" validate:"min=1"`

	FetchTimeout time.Duration `mapstructure:"FETCH_TIMEOUT" validate:"nonzero_duration"`

	ChunkSize         int           `mapstructure:"CHUNK_SIZE" validate:"min=1"`
	NumberBudget      int           `mapstructure:"NUMBER_BUDGET" validate:"min=1"`
	MinReloadInterval time.Duration `mapstructure:"MIN_RELOAD_INTERVAL" validate:"min=0"`
	ReloadTimeout     time.Duration `mapstructure:"RELOAD_TIMEOUT" validate:"nonzero_duration"`

	UpdateInterval time.Duration `mapstructure:"UPDATE_INTERVAL" validate:"nonzero_duration"`
	QueueBacklog   int           `mapstructure:"QUEUE_BACKLOG" validate:"min=1"`
}

func (c *AppConfig) Validate() error {
	v := validator.New()

	_ = v.RegisterValidation("nonzero_duration", func(fl validator.FieldLevel) bool {
		if d, ok := fl.Field().Interface().(time.Duration); ok {
			return d > 0
		} else {
			return false
		}
	})
	if err := v.Struct(c); err != nil {
		return err
	}
	return nil
}

func LoadAppConfig(name, ext string, paths ...string) (*AppConfig, error) {
	for _, path := range paths {
		viper.AddConfigPath(path)
	}
	viper.SetConfigName(name)
	viper.SetConfigType(ext)
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_ADDR", ":8082")
	viper.SetDefault("GIN_MODE", "debug")
	viper.SetDefault("DATA_DIR", "./data/server")
	viper.SetDefault("SLOT_PATH", "./data/shared/chunk.json")
	viper.SetDefault("LIST_URL", "https://lists.callfence.dev/v1/blocklist")
	viper.SetDefault("DEVICE_ID", "dev-device")
	viper.SetDefault("USER_AGENT", "CallFence/1.0 (+https://github.com/mkravn/callfence)")
	viper.SetDefault("FETCH_TIMEOUT", 2*time.Minute)
	viper.SetDefault("CHUNK_SIZE", 64)
	viper.SetDefault("NUMBER_BUDGET", 5000)
	viper.SetDefault("MIN_RELOAD_INTERVAL", time.Second)
	viper.SetDefault("RELOAD_TIMEOUT", time.Minute)
	viper.SetDefault("UPDATE_INTERVAL", 12*time.Hour)
	viper.SetDefault("QUEUE_BACKLOG", 8)

	err := viper.ReadInConfig()

	if err != nil {
		return nil, err
	}
	cfg := &AppConfig{}
	err = viper.Unmarshal(cfg)
	if err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
