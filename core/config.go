package core

import (
	"fmt"
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kat-co/vala"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration. Values come from defaults,
// an optional config/.env.<env> file and environment variables prefixed
// with the environment name (eg. PROD_SECRETKEY).
type Config struct {
	Env      string // DEV (default), TEST, QA, PROD
	Debug    bool
	TestMode bool
	AppName  string
	Build    string

	SecretKey        string
	FrontendBaseURL  string
	DefaultFromEmail mail.Address
	SendgridApiKey   string
	RollbarToken     string
	WorkDir          string

	PasswordResetTimeoutDelta time.Duration

	Server struct {
		Host                      string
		Addr                      string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
	}

	Database struct {
		Engine        string
		Name          string
		Host          string
		Port          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	Outbox struct {
		PollInterval time.Duration
		BatchSize    int
		MaxAttempts  int
	}

	Security struct {
		MaxLoginAttempts int
		LockoutDuration  time.Duration
	}

	Alerts struct {
		LowGradePctThreshold float64 // % under which a grade triggers an alert
		FailingAverage       float64
		LowGradeCount        int // failing grades before a risk alert
		AbsencePctThreshold  float64
		AbsenceWindowDays    int
		DedupWindowDays      int
	}
}

// DatabaseAddress returns the host:port the database listens on.
func (c *Config) DatabaseAddress() string {
	return c.Database.Host + ":" + c.Database.Port
}

func (c *Config) Validate() error {
	return vala.BeginValidation().Validate(
		vala.StringNotEmpty(c.SecretKey, "secretKey"),
		vala.StringNotEmpty(c.Database.Engine, "database.engine"),
		vala.StringNotEmpty(c.Database.Name, "database.name"),
		vala.GreaterThan(c.Security.MaxLoginAttempts, 0, "security.maxLoginAttempts"),
		vala.GreaterThan(c.Outbox.MaxAttempts, 0, "outbox.maxAttempts"),
	).Check()
}

func NewConfig() *Config {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	// defaults
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Escolar")
	v.SetDefault("build", "dev")
	v.SetDefault("secretKey", "x1q$-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("frontendBaseURL", "http://localhost:3000")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("passwordResetTimeoutDelta", 3*24*time.Hour)

	v.SetDefault("server.host", hostname())
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.jwtRefreshExpirationDelta", 4*time.Hour)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.name", "escolar")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.adminUser", "")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("outbox.pollInterval", 30*time.Second)
	v.SetDefault("outbox.batchSize", 50)
	v.SetDefault("outbox.maxAttempts", 3)

	v.SetDefault("security.maxLoginAttempts", 5)
	v.SetDefault("security.lockoutDuration", 30*time.Minute)

	v.SetDefault("alerts.lowGradePctThreshold", 60.0)
	v.SetDefault("alerts.failingAverage", 4.0)
	v.SetDefault("alerts.lowGradeCount", 3)
	v.SetDefault("alerts.absencePctThreshold", 20.0)
	v.SetDefault("alerts.absenceWindowDays", 30)
	v.SetDefault("alerts.dedupWindowDays", 15)

	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}
	v.SetDefault("env", env)
	if env == "TEST" {
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	wd := Getwd()
	v.SetDefault("workDir", wd)

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	conf := &Config{
		Env:             v.GetString("env"),
		Debug:           v.GetBool("debug"),
		TestMode:        v.GetBool("testMode"),
		AppName:         v.GetString("appName"),
		Build:           v.GetString("build"),
		SecretKey:       v.GetString("secretKey"),
		FrontendBaseURL: v.GetString("frontendBaseURL"),
		DefaultFromEmail: mail.Address{
			Name:    v.GetString("appName"),
			Address: v.GetString("defaultFromEmail"),
		},
		SendgridApiKey:            v.GetString("sendgridApiKey"),
		RollbarToken:              v.GetString("rollbarToken"),
		WorkDir:                   v.GetString("workDir"),
		PasswordResetTimeoutDelta: v.GetDuration("passwordResetTimeoutDelta"),
	}
	conf.Server.Host = v.GetString("server.host")
	conf.Server.Addr = v.GetString("server.addr")
	conf.Server.ShutdownTimeout = v.GetDuration("server.shutdownTimeout")
	conf.Server.JWTExpirationDelta = v.GetDuration("server.jwtExpirationDelta")
	conf.Server.JWTRefreshExpirationDelta = v.GetDuration("server.jwtRefreshExpirationDelta")
	conf.Database.Engine = v.GetString("database.engine")
	conf.Database.Name = v.GetString("database.name")
	conf.Database.Host = v.GetString("database.host")
	conf.Database.Port = v.GetString("database.port")
	conf.Database.User = v.GetString("database.user")
	conf.Database.Password = v.GetString("database.password")
	conf.Database.AdminUser = v.GetString("database.adminUser")
	conf.Database.AdminPassword = v.GetString("database.adminPassword")
	conf.Database.DisableTLS = v.GetBool("database.disableTLS")
	conf.Outbox.PollInterval = v.GetDuration("outbox.pollInterval")
	conf.Outbox.BatchSize = v.GetInt("outbox.batchSize")
	conf.Outbox.MaxAttempts = v.GetInt("outbox.maxAttempts")
	conf.Security.MaxLoginAttempts = v.GetInt("security.maxLoginAttempts")
	conf.Security.LockoutDuration = v.GetDuration("security.lockoutDuration")
	conf.Alerts.LowGradePctThreshold = v.GetFloat64("alerts.lowGradePctThreshold")
	conf.Alerts.FailingAverage = v.GetFloat64("alerts.failingAverage")
	conf.Alerts.LowGradeCount = v.GetInt("alerts.lowGradeCount")
	conf.Alerts.AbsencePctThreshold = v.GetFloat64("alerts.absencePctThreshold")
	conf.Alerts.AbsenceWindowDays = v.GetInt("alerts.absenceWindowDays")
	conf.Alerts.DedupWindowDays = v.GetInt("alerts.dedupWindowDays")

	if err := conf.Validate(); err != nil {
		log.Fatal(fmt.Errorf("config.Validate: %v", err))
	}
	return conf
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return host
}
