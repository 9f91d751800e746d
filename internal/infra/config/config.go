// Package config collects operational tunables for the fleet process: risk
// formula weights, store paths, tick intervals, and logging/timezone
// settings. It reads a .env file via godotenv, normalizes and validates
// values, falls back to documented defaults, and accumulates warnings about
// anything it had to correct, the same load-once-singleton shape the rest of
// the stack expects from a config package.
//
// Secrets (API credentials, bot tokens) and CLI configuration are explicitly
// out of scope; they belong to the external collaborators that own
// onboarding and UI.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// RiskWeights are the tunable coefficients of the ban-probability formula.
// Defaults mirror the values the risk engine was specified with; operators
// may override any of them without a code change.
type RiskWeights struct {
	HourlyVolumeWeight  float64
	DailyVolumeWeight   float64
	DiversityWeight     float64
	ComplaintWeight     float64
	AccountAgeWeight    float64
	BlockRateWeight     float64
}

// EnvConfig holds the operational knobs read from the environment.
type EnvConfig struct {
	LogLevel           string
	LogFile            string
	AppTimezone        string
	TickIntervalMS     int
	SupervisorTickMS   int
	RotationIntervalHr int
	DiversityWindow    int
	RiskStoreFile      string
	QuarantineStoreFile string
	CampaignStoreFile  string
	MessageStoreFile   string
	FingerprintStoreFile string
	TelegramRPCTimeoutS int
	Weights            RiskWeights
}

// Config is the loaded, validated configuration plus any warnings produced
// while loading it.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

const (
	defaultLogLevel            = "info"
	defaultLogFile             = ""
	defaultAppTimezone         = "UTC"
	defaultTickIntervalMS      = 1000
	defaultSupervisorTickMS    = 1000
	defaultRotationIntervalHr  = 336 // 14 days
	defaultDiversityWindow     = 100
	defaultRiskStoreFile       = "data/risk.bbolt"
	defaultQuarantineStoreFile = "data/quarantine.bbolt"
	defaultCampaignStoreFile   = "data/campaigns.bbolt"
	defaultMessageStoreFile    = "data/messages.bbolt"
	defaultFingerprintStoreFile = "data/fingerprints.bbolt"
	defaultTelegramRPCTimeoutS = 60

	defaultHourlyVolumeWeight = 0.30
	defaultDailyVolumeWeight  = 0.30
	defaultDiversityWeight    = 0.20
	defaultComplaintWeight    = 0.20
	defaultAccountAgeWeight   = 0.10
	defaultBlockRateWeight    = 0.15
)

var (
	cfgInstance *Config
	cfgDone     bool
	cfgMu       sync.Mutex
)

// Load is the entry point for initializing the global configuration. The
// first call reads envPath and fixes the result in a package-level
// singleton; subsequent calls return an error to avoid startup races.
func Load(envPath string) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig performs the actual load/validation without touching global
// state, so tests can build a throwaway Config and inspect it.
func loadConfig(envPath string) (*Config, error) {
	// .env is optional here: a fleet process may run entirely from real
	// environment variables (container orchestration), so a missing file is
	// not itself an error.
	_ = godotenv.Load(envPath)

	var warnings []string

	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	appTimezone := sanitizeTimezone(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)
	tickMS := parseIntDefault("TICK_INTERVAL_MS", defaultTickIntervalMS, greaterThanZero, &warnings)
	supervisorMS := parseIntDefault("SUPERVISOR_TICK_MS", defaultSupervisorTickMS, greaterThanZero, &warnings)
	rotationHr := parseIntDefault("ROTATION_INTERVAL_HOURS", defaultRotationIntervalHr, greaterThanZero, &warnings)
	diversityWindow := parseIntDefault("DIVERSITY_WINDOW", defaultDiversityWindow, greaterThanZero, &warnings)
	riskStore := sanitizeFile("RISK_STORE_FILE", os.Getenv("RISK_STORE_FILE"), defaultRiskStoreFile, &warnings)
	quarantineStore := sanitizeFile("QUARANTINE_STORE_FILE", os.Getenv("QUARANTINE_STORE_FILE"),
		defaultQuarantineStoreFile, &warnings)
	campaignStore := sanitizeFile("CAMPAIGN_STORE_FILE", os.Getenv("CAMPAIGN_STORE_FILE"),
		defaultCampaignStoreFile, &warnings)
	messageStore := sanitizeFile("MESSAGE_STORE_FILE", os.Getenv("MESSAGE_STORE_FILE"),
		defaultMessageStoreFile, &warnings)
	fingerprintStore := sanitizeFile("FINGERPRINT_STORE_FILE", os.Getenv("FINGERPRINT_STORE_FILE"),
		defaultFingerprintStoreFile, &warnings)
	rpcTimeout := parseIntDefault("TELEGRAM_RPC_TIMEOUT_SEC", defaultTelegramRPCTimeoutS, greaterThanZero, &warnings)

	weights := RiskWeights{
		HourlyVolumeWeight: parseFloatDefault("RISK_WEIGHT_HOURLY_VOLUME", defaultHourlyVolumeWeight, &warnings),
		DailyVolumeWeight:  parseFloatDefault("RISK_WEIGHT_DAILY_VOLUME", defaultDailyVolumeWeight, &warnings),
		DiversityWeight:    parseFloatDefault("RISK_WEIGHT_DIVERSITY", defaultDiversityWeight, &warnings),
		ComplaintWeight:    parseFloatDefault("RISK_WEIGHT_COMPLAINTS", defaultComplaintWeight, &warnings),
		AccountAgeWeight:   parseFloatDefault("RISK_WEIGHT_ACCOUNT_AGE", defaultAccountAgeWeight, &warnings),
		BlockRateWeight:    parseFloatDefault("RISK_WEIGHT_BLOCK_RATE", defaultBlockRateWeight, &warnings),
	}

	env := EnvConfig{
		LogLevel:             logLevel,
		LogFile:              logFile,
		AppTimezone:          appTimezone,
		TickIntervalMS:       tickMS,
		SupervisorTickMS:     supervisorMS,
		RotationIntervalHr:   rotationHr,
		DiversityWindow:      diversityWindow,
		RiskStoreFile:        riskStore,
		QuarantineStoreFile:  quarantineStore,
		CampaignStoreFile:    campaignStore,
		MessageStoreFile:     messageStore,
		FingerprintStoreFile: fingerprintStore,
		TelegramRPCTimeoutS:  rpcTimeout,
		Weights:              weights,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings returns a copy of the warnings accumulated while loading.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env returns the EnvConfig from the global singleton.
func Env() EnvConfig {
	return cfgInstance.Env
}

func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

func parseFloatDefault(name string, defaultVal float64, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v < 0 {
		appendWarningf(warnings, "env %s value %q is invalid; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }

func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultLogLevel)
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// ParseLocation parses an IANA timezone name ("Europe/Moscow") or a UTC
// offset ("+03:00", "-0700", "UTC+3").
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	if loc, ok := parseUTCOffsetToLocation(v); ok {
		return loc, nil
	}
	return nil, fmt.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
}

func sanitizeTimezone(value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env APP_TIMEZONE is not set; using default %q", fallback)
		return fallback
	}
	if _, err := ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}

var utcOffsetPattern = regexp.MustCompile(`^([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)

func parseUTCOffsetToLocation(value string) (*time.Location, bool) {
	v := strings.TrimSpace(strings.ToUpper(value))
	if v == "Z" || v == "UTC" || v == "GMT" {
		return time.FixedZone("UTC+00:00", 0), true
	}
	v = strings.TrimPrefix(v, "UTC")
	v = strings.TrimPrefix(v, "GMT")
	v = strings.TrimSpace(v)

	m := utcOffsetPattern.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, false
	}
	mins := 0
	if m[3] != "" {
		var err2 error
		mins, err2 = strconv.Atoi(m[3])
		if err2 != nil {
			return nil, false
		}
	}
	if hours < 0 || hours > 14 || mins < 0 || mins > 59 {
		return nil, false
	}
	offset := sign * ((hours * 60 * 60) + (mins * 60))
	name := fmt.Sprintf("UTC%+03d:%02d", sign*hours, mins)
	return time.FixedZone(name, offset), true
}
