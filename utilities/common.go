package utilities

import (
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/time/rate"
)

// LogLevel defines the severity of a log message.
type LogLevel int

// Logging Level
const (
	Debug LogLevel = iota
	Info
	Warn
	Error
	Fatal
)

// LamportsPerSol is the ledger's native unit scaling factor.
const LamportsPerSol = 1_000_000_000

// --- Global Logger ---
var globalLogger = NewLogger(Info) // Default to Info

// --- Types (Alphabetized) ---

// AppConfig is the root configuration structure, holding all other config sections.
type AppConfig struct {
	AppName     string          `mapstructure:"app_name"`
	Version     string          `mapstructure:"version"`
	Environment string          `mapstructure:"environment"`
	Cycle       CycleConfig     `mapstructure:"cycle"`
	DB          DatabaseConfig  `mapstructure:"database"`
	Discord     DiscordConfig   `mapstructure:"discord"`
	License     LicenseConfig   `mapstructure:"license"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Owner       OwnerConfig     `mapstructure:"owner"`
	RPC         RPCConfig       `mapstructure:"rpc"`
	Recovery    RecoveryConfig  `mapstructure:"recovery"`
	Snapshots   SnapshotsConfig `mapstructure:"snapshots"`
	Venue       VenueConfig     `mapstructure:"venue"`
	Workers     WorkersConfig   `mapstructure:"workers"`
}

// CycleConfig holds the pacing and sizing parameters for the acquire/release loop.
type CycleConfig struct {
	AssetMint           string  `mapstructure:"asset_mint"`
	PerWorkerSol        float64 `mapstructure:"per_worker_sol"`
	SwapSol             float64 `mapstructure:"swap_sol"`
	FeeBufferSol        float64 `mapstructure:"fee_buffer_sol"`
	SlippageBps         int     `mapstructure:"slippage_bps"`
	WorkerDelayMs       int     `mapstructure:"worker_delay_ms"`
	PhaseCooldownSec    int     `mapstructure:"phase_cooldown_sec"`
	ErrorPauseSec       int     `mapstructure:"error_pause_sec"`
	ReadyPollSec        int     `mapstructure:"ready_poll_sec"`
	ReadyMaxPolls       int     `mapstructure:"ready_max_polls"`
	EstimatedFeePerSwap float64 `mapstructure:"estimated_fee_sol_per_swap"`
}

// DatabaseConfig holds settings for the SQLite transfer journal.
type DatabaseConfig struct {
	DBPath string `mapstructure:"database_path"`
}

// DiscordConfig holds settings for sending notifications via Discord.
type DiscordConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// LicenseConfig holds settings for the license validation gate.
type LicenseConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	Token             string `mapstructure:"token"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
}

// Logger provides a structured logger with different levels.
type Logger struct {
	Level  LogLevel
	Logger *log.Logger
}

// NewLogger creates a new Logger instance.
func NewLogger(level LogLevel) *Logger {
	return &Logger{
		Level:  level,
		Logger: log.New(os.Stdout, "[Beekeeper] ", log.Ldate|log.Ltime|log.Lshortfile),
	}
}

// LogDebug logs a message at Debug level.
func (l *Logger) LogDebug(format string, v ...interface{}) {
	if l.Level <= Debug {
		_ = l.Logger.Output(2, fmt.Sprintf("[DEBUG] "+format, v...))
	}
}

// LogError logs a message at Error level.
func (l *Logger) LogError(format string, v ...interface{}) {
	if l.Level <= Error {
		_ = l.Logger.Output(2, fmt.Sprintf("[ERROR] "+format, v...))
	}
}

// LogFatal logs a message at Fatal level and then calls os.Exit(1).
func (l *Logger) LogFatal(format string, v ...interface{}) {
	_ = l.Logger.Output(2, fmt.Sprintf("[FATAL] "+format, v...))
	os.Exit(1)
}

// LogInfo logs a message at Info level.
func (l *Logger) LogInfo(format string, v ...interface{}) {
	if l.Level <= Info {
		_ = l.Logger.Output(2, fmt.Sprintf("[INFO] "+format, v...))
	}
}

// LogWarn logs a message at Warn level.
func (l *Logger) LogWarn(format string, v ...interface{}) {
	if l.Level <= Warn {
		_ = l.Logger.Output(2, fmt.Sprintf("[WARN] "+format, v...))
	}
}

// SetLogLevel updates the logging level of the logger.
func (l *Logger) SetLogLevel(level LogLevel) {
	l.Level = level
}

// LoggingConfig holds settings related to logging.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	LogToFile   bool   `mapstructure:"log_to_file"`
	LogFilePath string `mapstructure:"log_file_path"`
}

// OwnerConfig holds the owner wallet credential. The public address is derived
// from the secret key, never configured separately.
type OwnerConfig struct {
	SecretKey string `mapstructure:"secret_key"`
}

// RPCConfig holds all settings for the ledger node JSON-RPC integration.
type RPCConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	ConfirmMaxPolls   int    `mapstructure:"confirm_max_polls"`
	ConfirmPollSec    int    `mapstructure:"confirm_poll_sec"`
	MaxRetries        int    `mapstructure:"max_retries"`
	RateLimitBurst    int    `mapstructure:"rate_limit_burst"`
	RateLimitPerSec   rate.Limit
	RequestTimeoutSec int `mapstructure:"request_timeout_sec"`
	RetryDelaySec     int `mapstructure:"retry_delay_sec"`
}

// RecoveryConfig holds the thresholds and pacing for the sweep-all path.
type RecoveryConfig struct {
	DustThresholdSol     float64 `mapstructure:"dust_threshold_sol"`
	LiquidateAssetMint   string  `mapstructure:"liquidate_asset_mint"`
	LiquidateSlippageBps int     `mapstructure:"liquidate_slippage_bps"`
	ReservedFeeSol       float64 `mapstructure:"reserved_fee_sol"`
	SettleDelaySec       int     `mapstructure:"settle_delay_sec"`
	WorkerDelayMs        int     `mapstructure:"worker_delay_ms"`
}

// SnapshotsConfig holds settings for the wallet snapshot store.
type SnapshotsConfig struct {
	Dir string `mapstructure:"dir"`
}

// VenueConfig holds all settings for the swap venue integration.
type VenueConfig struct {
	APIKey            string `mapstructure:"api_key"`
	BaseURL           string `mapstructure:"base_url"`
	MaxRetries        int    `mapstructure:"max_retries"`
	RateLimitBurst    int    `mapstructure:"rate_limit_burst"`
	RateLimitPerSec   rate.Limit
	RequestTimeoutSec int `mapstructure:"request_timeout_sec"`
	RetryDelaySec     int `mapstructure:"retry_delay_sec"`
}

// WorkersConfig holds the worker pool sizing parameters.
type WorkersConfig struct {
	Count        int `mapstructure:"count"`
	GrowAttempts int `mapstructure:"grow_attempts"`
}

// --- Standalone Functions (Alphabetized) ---

// LamportsToSol converts a lamport amount to SOL for display.
func LamportsToSol(lamports uint64) float64 {
	return float64(lamports) / LamportsPerSol
}

// LogInfoF is a package-level convenience function for Info logging.
func LogInfoF(format string, v ...interface{}) {
	globalLogger.LogInfo(format, v...)
}

// LogWarnF is a package-level convenience function for Warn logging.
func LogWarnF(format string, v ...interface{}) {
	globalLogger.LogWarn(format, v...)
}

// MinInt returns the minimum of two integers.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ParseLogLevel converts a string log level to the LogLevel type.
func ParseLogLevel(levelStr string) (LogLevel, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn":
		return Warn, nil
	case "error":
		return Error, nil
	case "fatal":
		return Fatal, nil
	default:
		return Info, fmt.Errorf("invalid log level string: %s", levelStr)
	}
}

// SolToLamports converts a SOL amount from config into lamports, clamping
// negatives to zero.
func SolToLamports(sol float64) uint64 {
	if sol <= 0 {
		return 0
	}
	return uint64(sol*LamportsPerSol + 0.5)
}
