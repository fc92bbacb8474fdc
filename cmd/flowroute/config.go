package main

import (
	"os"
	"time"

	"github.com/blingmoon/process-router/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultDatabase = "flowroute.db"
	defaultLogLevel = "info"
)

// AppConfig flowroute 的配置文件
//
//	database: flowroute.db
//	log_level: info
//	redis:
//	  addr: 127.0.0.1:6379
//	router:
//	  completion_timeout: 30s
//	  lock_ttl: 1m
//	  fail_fast_when_busy: false
type AppConfig struct {
	Database string                    `yaml:"database" validate:"required"`
	LogLevel string                    `yaml:"log_level" validate:"oneof=debug info warn error"`
	Redis    RedisConfig               `yaml:"redis"`
	Router   workflow.TaskRouterConfig `yaml:"router"`
}

// RedisConfig addr 为空时使用本地锁
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

var configValidator = validator.New()

func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Database: defaultDatabase,
		LogLevel: defaultLogLevel,
		Router: workflow.TaskRouterConfig{
			CompletionTimeout: 30 * time.Second,
		},
	}
}

// loadAppConfig path 为空时返回默认配置, 文件里面没有写的字段保留默认值
func loadAppConfig(path string) (*AppConfig, error) {
	config := defaultAppConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config failed, path: %s", path)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrapf(err, "parse config failed, path: %s", path)
	}
	return config, nil
}

func (c *AppConfig) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return errors.WithMessagef(workflow.ErrParamInvalid, "invalid config: %v", err)
	}
	return nil
}
