package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hitoshi/garagegate/internal/geofence"
	"github.com/hitoshi/garagegate/internal/model"
	"github.com/hitoshi/garagegate/internal/security"
)

// SwitzerlandBounds は許可地域の既定値（スイス国境の外接矩形）。
var SwitzerlandBounds = model.BoundingBox{
	North: 47.8085,
	South: 45.8180,
	East:  10.4923,
	West:  5.9560,
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Session
	SessionSecret string
	SessionMaxAge int

	// Access grant
	GrantSecret string
	GrantTTL    time.Duration

	// Admin
	AdminEmail string

	// Device
	DeviceBaseURL           string
	DeviceID                string
	DeviceAuthKey           string
	DeviceTimeout           time.Duration
	DeviceMaxAttempts       int
	DeviceRetryDelay        time.Duration
	DeviceSettleDelay       time.Duration
	DeviceConfirmMode       string
	DevicePollTimeout       time.Duration
	DeviceRequestsPerSecond float64

	// Geofence
	GarageLocation    model.GeoPoint
	MaxDistanceMeters float64
	AllowedRegion     model.BoundingBox

	// Rate Limit
	RateLimitGeneral int
	RateLimitBackend string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int

	// Access codes
	CodeHashSecret      string
	CodeDefaultTTLHours int
	CodeRetention       time.Duration
	CleanupInterval     time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// fileConfig はCONFIG_FILEで指定するYAML設定ファイルの構造。
// 環境変数が設定されている項目は環境変数が優先される。
type fileConfig struct {
	Geofence struct {
		Garage struct {
			Latitude  *float64 `yaml:"latitude"`
			Longitude *float64 `yaml:"longitude"`
		} `yaml:"garage"`
		MaxDistanceMeters  float64            `yaml:"max_distance_meters"`
		Region             *model.BoundingBox `yaml:"region"`
		RegionRadiusMeters float64            `yaml:"region_radius_meters"`
	} `yaml:"geofence"`
	Device struct {
		BaseURL      string        `yaml:"base_url"`
		DeviceID     string        `yaml:"device_id"`
		Timeout      time.Duration `yaml:"timeout"`
		MaxAttempts  int           `yaml:"max_attempts"`
		RetryDelay   time.Duration `yaml:"retry_delay"`
		SettleDelay  time.Duration `yaml:"settle_delay"`
		ConfirmMode  string        `yaml:"confirm_mode"`
		PollTimeout  time.Duration `yaml:"poll_timeout"`
		RequestsPerS float64       `yaml:"requests_per_second"`
	} `yaml:"device"`
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	file, err := loadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if raw := os.Getenv("ADMIN_EMAIL"); raw == "" {
		missing = append(missing, "ADMIN_EMAIL")
	} else if email, ok := security.NormalizeEmail(raw); ok {
		cfg.AdminEmail = email
	} else {
		return nil, fmt.Errorf("ADMIN_EMAIL is not a valid email address: %q", raw)
	}

	lat, latOK := getEnvFloatPtr("GARAGE_LAT", file.Geofence.Garage.Latitude)
	lng, lngOK := getEnvFloatPtr("GARAGE_LNG", file.Geofence.Garage.Longitude)
	if !latOK {
		missing = append(missing, "GARAGE_LAT")
	}
	if !lngOK {
		missing = append(missing, "GARAGE_LNG")
	}
	cfg.GarageLocation = model.GeoPoint{Lat: lat, Lng: lng}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.GrantSecret = getEnvString("GRANT_SECRET", cfg.SessionSecret)
	cfg.GrantTTL = getEnvDuration("GRANT_TTL", 12*time.Hour)

	cfg.DeviceBaseURL = getEnvString("SHELLY_BASE_URL", orString(file.Device.BaseURL, "https://shelly-165-eu.shelly.cloud"))
	cfg.DeviceID = getEnvString("SHELLY_DEVICE_ID", file.Device.DeviceID)
	cfg.DeviceAuthKey = os.Getenv("SHELLY_AUTH_KEY")
	cfg.DeviceTimeout = getEnvDuration("DEVICE_TIMEOUT", orDuration(file.Device.Timeout, 15*time.Second))
	cfg.DeviceMaxAttempts = getEnvInt("DEVICE_MAX_ATTEMPTS", orInt(file.Device.MaxAttempts, 3))
	cfg.DeviceRetryDelay = getEnvDuration("DEVICE_RETRY_DELAY", orDuration(file.Device.RetryDelay, 2*time.Second))
	cfg.DeviceSettleDelay = getEnvDuration("DEVICE_SETTLE_DELAY", orDuration(file.Device.SettleDelay, 2*time.Second))
	cfg.DeviceConfirmMode = getEnvString("DEVICE_CONFIRM_MODE", orString(file.Device.ConfirmMode, "settle"))
	cfg.DevicePollTimeout = getEnvDuration("DEVICE_POLL_TIMEOUT", orDuration(file.Device.PollTimeout, 10*time.Second))
	cfg.DeviceRequestsPerSecond = getEnvFloat("DEVICE_REQUESTS_PER_SECOND", orFloat(file.Device.RequestsPerS, 1))

	cfg.MaxDistanceMeters = getEnvFloat("MAX_DISTANCE_METERS", orFloat(file.Geofence.MaxDistanceMeters, 1000))
	// 地域の矩形は ファイルの指定 > REGION_RADIUS_METERS による車庫周辺 > スイス全域 の順で決める
	cfg.AllowedRegion = SwitzerlandBounds
	if radius := getEnvFloat("REGION_RADIUS_METERS", file.Geofence.RegionRadiusMeters); radius > 0 {
		cfg.AllowedRegion = geofence.LocationBounds(cfg.GarageLocation, radius)
	}
	if file.Geofence.Region != nil {
		cfg.AllowedRegion = *file.Geofence.Region
	}
	if !geofence.IsValidCoordinate(cfg.GarageLocation) {
		return nil, fmt.Errorf("garage location is not a valid coordinate: %+v", cfg.GarageLocation)
	}
	if !geofence.IsInRegion(cfg.GarageLocation, cfg.AllowedRegion) {
		return nil, fmt.Errorf("garage location %+v is outside the allowed region %+v", cfg.GarageLocation, cfg.AllowedRegion)
	}

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitBackend = getEnvString("RATE_LIMIT_BACKEND", "postgres")
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	if cfg.RateLimitBackend == "redis" && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required when RATE_LIMIT_BACKEND=redis")
	}

	cfg.CodeHashSecret = getEnvString("CODE_HASH_SECRET", cfg.SessionSecret)
	cfg.CodeDefaultTTLHours = getEnvInt("CODE_DEFAULT_TTL_HOURS", 24)
	cfg.CodeRetention = getEnvDuration("CODE_RETENTION", 7*24*time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	fc := &fileConfig{}
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return fc, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

// getEnvFloatPtr は環境変数、なければファイルの値を返す。どちらもなければokはfalse。
func getEnvFloatPtr(key string, fileVal *float64) (float64, bool) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	if fileVal != nil {
		return *fileVal, true
	}
	return 0, false
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orFloat(v, def float64) float64 {
	if v != 0 {
		return v
	}
	return def
}

func orDuration(v, def time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return def
}
