// Package config loads settings from flags, environment, .env and a YAML file.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/awaistahir/smart-charge/internal/engine"
	"github.com/awaistahir/smart-charge/internal/prices"
)

// EnvPrefix is prepended to every environment override, e.g. SMARTCHARGE_PORT
const EnvPrefix = "SMARTCHARGE"

// Config holds all application configuration
type Config struct {
	DBPath string
	Port   int

	LogLevel  string
	LogFormat string

	Feed prices.Options

	RefreshSchedule  string
	SettingsDebounce time.Duration
	ExploreHours     int

	// ManualRefreshInterval is the minimum spacing between POST /api/refresh calls
	ManualRefreshInterval time.Duration

	// Vehicle is used until the user has saved their own settings
	Vehicle engine.VehicleParams
}

// DefaultDir returns $HOME/.smartcharge
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".smartcharge"
	}
	return filepath.Join(home, ".smartcharge")
}

// SetDefaults registers every key with its default value
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db", filepath.Join(DefaultDir(), "smartcharge.db"))
	v.SetDefault("port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("feed.base_url", "https://api.energidataservice.dk")
	v.SetDefault("feed.price_area", "DK1")
	v.SetDefault("feed.eur_to_dkk", "7.44")
	v.SetDefault("feed.price_factor", "2")
	v.SetDefault("feed.timeout", "30s")

	v.SetDefault("refresh.schedule", "@every 60s")
	v.SetDefault("settings.debounce", "2s")
	v.SetDefault("explore.hours", 8)
	v.SetDefault("api.refresh_interval", "10s")

	v.SetDefault("vehicle.petrol_price_per_liter", "14.5")
	v.SetDefault("vehicle.fuel_economy_km_per_liter", "11.6")
	v.SetDefault("vehicle.battery_capacity_kwh", "10")
	v.SetDefault("vehicle.electric_range_km", "30")
	v.SetDefault("vehicle.charge_duration_hours", 8)
}

// NewViper prepares a viper instance: .env is loaded into the environment
// first, then cfgFile (or $HOME/.smartcharge/config.yaml) is read if present.
func NewViper(cfgFile string) (*viper.Viper, error) {
	// a missing .env is normal
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(DefaultDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	return v, nil
}

// Load builds a Config from v
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		DBPath:                v.GetString("db"),
		Port:                  v.GetInt("port"),
		LogLevel:              v.GetString("log.level"),
		LogFormat:             v.GetString("log.format"),
		RefreshSchedule:       v.GetString("refresh.schedule"),
		SettingsDebounce:      v.GetDuration("settings.debounce"),
		ExploreHours:          v.GetInt("explore.hours"),
		ManualRefreshInterval: v.GetDuration("api.refresh_interval"),
		Feed: prices.Options{
			BaseURL:   v.GetString("feed.base_url"),
			PriceArea: v.GetString("feed.price_area"),
			Timeout:   v.GetDuration("feed.timeout"),
		},
	}

	decimals := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"feed.eur_to_dkk", &cfg.Feed.EURToDKK},
		{"feed.price_factor", &cfg.Feed.PriceFactor},
		{"vehicle.petrol_price_per_liter", &cfg.Vehicle.PetrolPricePerLiter},
		{"vehicle.fuel_economy_km_per_liter", &cfg.Vehicle.FuelEconomyKmPerLiter},
		{"vehicle.battery_capacity_kwh", &cfg.Vehicle.BatteryCapacityKwh},
		{"vehicle.electric_range_km", &cfg.Vehicle.ElectricRangeKm},
	}
	for _, d := range decimals {
		val, err := decimal.NewFromString(v.GetString(d.key))
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid %s", d.key)
		}
		*d.dst = val
	}
	cfg.Vehicle.ChargeDurationHours = v.GetInt("vehicle.charge_duration_hours")

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, errors.Newf("invalid port %d", cfg.Port)
	}
	if cfg.ExploreHours <= 0 {
		cfg.ExploreHours = 8
	}

	return cfg, nil
}
