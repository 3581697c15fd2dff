// Package config loads querykit.Config from a YAML file with environment
// overrides.
package config

import (
	"log"

	"github.com/spf13/viper"

	"github.com/rpattn/querykit"
)

// Load reads config.yaml from configPath and returns a querykit.Config.
// Environment variables prefixed QUERYKIT_ override file values, e.g.
// QUERYKIT_DATABASE_URI. A missing file is not an error; env vars and
// defaults apply.
func Load(configPath string) (querykit.Config, error) {
	cfg := querykit.Config{}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("QUERYKIT")

	v.BindEnv("database.uri", "QUERYKIT_DATABASE_URI")
	v.BindEnv("database.echo", "QUERYKIT_DATABASE_ECHO")
	v.BindEnv("database.pool_size", "QUERYKIT_DATABASE_POOL_SIZE")
	v.BindEnv("database.pool_min_conns", "QUERYKIT_DATABASE_POOL_MIN_CONNS")
	v.BindEnv("database.pool_recycle", "QUERYKIT_DATABASE_POOL_RECYCLE")
	v.BindEnv("database.pool_idle_time", "QUERYKIT_DATABASE_POOL_IDLE_TIME")

	if err := v.ReadInConfig(); err != nil {
		log.Printf("no config.yaml in %s, using env vars and defaults", configPath)
	}

	if v.IsSet("database.uri") {
		cfg.URI = v.GetString("database.uri")
	}
	if v.IsSet("database.echo") {
		cfg.Echo = v.GetBool("database.echo")
	}
	if v.IsSet("database.pool_size") {
		cfg.PoolSize = v.GetInt32("database.pool_size")
	}
	if v.IsSet("database.pool_min_conns") {
		cfg.PoolMinConns = v.GetInt32("database.pool_min_conns")
	}
	if v.IsSet("database.pool_recycle") {
		cfg.PoolRecycle = v.GetDuration("database.pool_recycle")
	}
	if v.IsSet("database.pool_idle_time") {
		cfg.PoolIdleTime = v.GetDuration("database.pool_idle_time")
	}

	if binds := v.GetStringMapString("database.binds"); len(binds) > 0 {
		cfg.Binds = binds
	}

	return cfg, nil
}
