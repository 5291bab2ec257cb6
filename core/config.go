package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Debug            bool
		TestMode         bool
		Env              string
		Build            string
		AppName          string
		SecretKey        string
		WorkDir          string
		DefaultFromEmail mail.Address
		RollbarToken     string
		SendgridApiKey   string

		Server     ServerConfig
		Database   DatabaseConfig
		Attendance AttendanceConfig
		Notify     NotifyConfig
	}

	ServerConfig struct {
		Address            string
		Host               string
		DebugHost          string
		ShutdownTimeout    time.Duration
		JWTExpirationDelta time.Duration
		DisableReqLogs     bool
	}

	DatabaseConfig struct {
		Engine        string // postgres (lib/pq) | pgx | memory (debug only)
		Host          string
		Port          int
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	AttendanceConfig struct {
		// DefaultTimezone is used when a school has no timezone of its own.
		DefaultTimezone string
		// FinalizeCutoff is the school-local "HH:MM" after which unresolved days are closed.
		FinalizeCutoff  string
		MarkLockDays    int
		IntakeKeyHeader string
	}

	NotifyConfig struct {
		SweepInterval    time.Duration
		MinSweepInterval time.Duration
		DefaultSendAfter string
		MaxAttempts      int
		RetryBackoff     time.Duration
		ClaimTimeout     time.Duration
		LeaseBackend     string // local | redis
		LeaseTTL         time.Duration
		RedisAddress     string
		RedisPassword    string
		SMSProviderURL   string
		SMSProviderToken string
		SMSSender        string
		AlertEmail       string
	}
)

func (dbc DatabaseConfig) Address() string {
	return net.JoinHostPort(dbc.Host, strconv.Itoa(dbc.Port))
}

// NewConfig loads the app configuration from defaults, an optional `config/.env.<env>` file and the environment.
// Env variables are prefixed with the upper-cased environment name, eg: `DEV_DATABASE_HOST`.
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("build", "dev")
	v.SetDefault("appName", "Rollcall")
	v.SetDefault("secretKey", "k2#rv)y8!e_7h0$wq+fz@n4m6b(xj=l5t^c9p%ds1ua3gio-")
	v.SetDefault("defaultFromEmail.name", "Rollcall")
	v.SetDefault("defaultFromEmail.address", "noreply@localhost")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")

	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.debugHost", "localhost:4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.disableReqLogs", false)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "rollcall")
	v.SetDefault("database.user", "rollcall")
	v.SetDefault("database.password", "rollcall")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("attendance.defaultTimezone", "UTC")
	v.SetDefault("attendance.finalizeCutoff", "17:00")
	v.SetDefault("attendance.markLockDays", 7)
	v.SetDefault("attendance.intakeKeyHeader", "X-Api-Key")

	v.SetDefault("notify.sweepInterval", time.Minute)
	v.SetDefault("notify.minSweepInterval", 30*time.Second)
	v.SetDefault("notify.defaultSendAfter", "10:00")
	v.SetDefault("notify.maxAttempts", 5)
	v.SetDefault("notify.retryBackoff", 5*time.Minute)
	v.SetDefault("notify.claimTimeout", 10*time.Minute)
	v.SetDefault("notify.leaseBackend", "local")
	v.SetDefault("notify.leaseTTL", 5*time.Minute)
	v.SetDefault("notify.redisAddress", "localhost:6379")
	v.SetDefault("notify.redisPassword", "")
	v.SetDefault("notify.smsProviderURL", "")
	v.SetDefault("notify.smsProviderToken", "")
	v.SetDefault("notify.smsSender", "Rollcall")
	v.SetDefault("notify.alertEmail", "")

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	if env == "" {
		env = "DEV"
	}
	if env == "TEST" {
		v.SetDefault("testMode", true)
	}
	workDir := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(workDir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}

	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Config{
		Debug:     v.GetBool("debug"),
		TestMode:  v.GetBool("testMode"),
		Env:       env,
		Build:     v.GetString("build"),
		AppName:   v.GetString("appName"),
		SecretKey: v.GetString("secretKey"),
		WorkDir:   workDir,
		DefaultFromEmail: mail.Address{
			Name:    v.GetString("defaultFromEmail.name"),
			Address: v.GetString("defaultFromEmail.address"),
		},
		RollbarToken:   v.GetString("rollbarToken"),
		SendgridApiKey: v.GetString("sendgridApiKey"),
		Server: ServerConfig{
			Address:            v.GetString("server.address"),
			Host:               v.GetString("server.host"),
			DebugHost:          v.GetString("server.debugHost"),
			ShutdownTimeout:    v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta: v.GetDuration("server.jwtExpirationDelta"),
			DisableReqLogs:     v.GetBool("server.disableReqLogs"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetInt("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Attendance: AttendanceConfig{
			DefaultTimezone: v.GetString("attendance.defaultTimezone"),
			FinalizeCutoff:  v.GetString("attendance.finalizeCutoff"),
			MarkLockDays:    v.GetInt("attendance.markLockDays"),
			IntakeKeyHeader: v.GetString("attendance.intakeKeyHeader"),
		},
		Notify: NotifyConfig{
			SweepInterval:    v.GetDuration("notify.sweepInterval"),
			MinSweepInterval: v.GetDuration("notify.minSweepInterval"),
			DefaultSendAfter: v.GetString("notify.defaultSendAfter"),
			MaxAttempts:      v.GetInt("notify.maxAttempts"),
			RetryBackoff:     v.GetDuration("notify.retryBackoff"),
			ClaimTimeout:     v.GetDuration("notify.claimTimeout"),
			LeaseBackend:     v.GetString("notify.leaseBackend"),
			LeaseTTL:         v.GetDuration("notify.leaseTTL"),
			RedisAddress:     v.GetString("notify.redisAddress"),
			RedisPassword:    v.GetString("notify.redisPassword"),
			SMSProviderURL:   v.GetString("notify.smsProviderURL"),
			SMSProviderToken: v.GetString("notify.smsProviderToken"),
			SMSSender:        v.GetString("notify.smsSender"),
			AlertEmail:       v.GetString("notify.alertEmail"),
		},
	}
}
