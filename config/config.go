package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	WorkDir            string
	WorkerID           int
	DatabaseURL        string
	RabbitMQURL        string
	RedisSentinelHosts string
	RedisMasterName    string
	RedisUrl           string
	LogLevel           string
	ServiceName        string
	BackendConfig      BackendConfig
	CampaignConfig     CampaignConfig
}

// BackendConfig describes how the execution backend process is launched.
type BackendConfig struct {
	Command      []string      `yaml:"command"`
	Timeout      time.Duration `yaml:"timeout"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

// CampaignConfig holds the options shared by every worker of a campaign.
// Values can be overridden by the YAML file named in KAFL_CONFIG_FILE.
type CampaignConfig struct {
	BitmapSize          int           `yaml:"bitmap_size"`
	MaxFileSize         int           `yaml:"max_file_size"`
	MaxMutatedLen       int           `yaml:"havoc_max_len"`
	HavocMinIterations  int           `yaml:"havoc_min_iterations"`
	HavocStackPow2      int           `yaml:"havoc_stack_pow2"`
	DictPath            string        `yaml:"dict_path"`
	Redqueen            bool          `yaml:"redqueen"`
	Kickstart           bool          `yaml:"kickstart"`
	ShowPayload         bool          `yaml:"show_payload"`
	ValidateDeterminism bool          `yaml:"validate_determinism"`
	DumpFunky           bool          `yaml:"dump_funky"`
	BusyTimeout         time.Duration `yaml:"busy_timeout"`
}

func LoadConfig() *AppConfig {
	// use a temporary logger for now
	logger := zap.NewExample().Named("config")

	godotenv.Load()

	config := &AppConfig{
		WorkDir:            os.Getenv("WORK_DIR"),
		WorkerID:           parseInt(os.Getenv("WORKER_ID"), 0),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // optional, crashes are only kept on disk without it
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		RedisSentinelHosts: os.Getenv("REDIS_SENTINEL_HOSTS"),
		RedisMasterName:    os.Getenv("REDIS_MASTER"),
		RedisUrl:           os.Getenv("REDIS_URL"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		ServiceName:        os.Getenv("SERVICE_NAME"),
		BackendConfig: BackendConfig{
			Command:      strings.Fields(os.Getenv("BACKEND_CMD")),
			Timeout:      parseDuration(os.Getenv("BACKEND_TIMEOUT"), 5*time.Second),
			RestartDelay: parseDuration(os.Getenv("RESTART_DELAY"), time.Second),
		},
		CampaignConfig: CampaignConfig{
			BitmapSize:          parseInt(os.Getenv("BITMAP_SIZE"), 65536),
			MaxFileSize:         parseInt(os.Getenv("MAX_FILE_SIZE"), 32768),
			MaxMutatedLen:       parseInt(os.Getenv("HAVOC_MAX_LEN"), 32768),
			HavocMinIterations:  parseInt(os.Getenv("HAVOC_MIN_ITERATIONS"), 2000),
			HavocStackPow2:      parseInt(os.Getenv("HAVOC_STACK_POW2"), 7),
			DictPath:            os.Getenv("DICT_PATH"),
			Redqueen:            parseBool(os.Getenv("REDQUEEN"), false),
			Kickstart:           parseBool(os.Getenv("KICKSTART"), false),
			ShowPayload:         parseBool(os.Getenv("SHOW_PAYLOAD"), false),
			ValidateDeterminism: parseBool(os.Getenv("VALIDATE_DETERMINISM"), true),
			DumpFunky:           parseBool(os.Getenv("DUMP_FUNKY"), false),
			BusyTimeout:         parseDuration(os.Getenv("BUSY_TIMEOUT"), time.Second),
		},
	}

	if path := os.Getenv("KAFL_CONFIG_FILE"); path != "" {
		if err := config.ApplyFile(path); err != nil {
			logger.Fatal("failed to load campaign config file", zap.String("path", path), zap.Error(err))
		}
	}

	if config.LogLevel == "" {
		config.LogLevel = "info" // Set default log level
	}
	if config.ServiceName == "" {
		config.ServiceName = "kafl-worker" // Default service name
	}

	if config.WorkDir == "" {
		logger.Fatal("WORK_DIR environment variable is required")
	}
	if config.RabbitMQURL == "" {
		logger.Fatal("RABBITMQ_URL environment variable is required")
	}
	if config.RedisUrl == "" && (config.RedisSentinelHosts == "" || config.RedisMasterName == "") {
		logger.Fatal("REDIS_URL or REDIS_SENTINEL_HOSTS and REDIS_MASTER environment variables are required")
	}
	return config
}

type fileConfig struct {
	Campaign *CampaignConfig `yaml:"campaign"`
	Backend  *BackendConfig  `yaml:"backend"`
}

// ApplyFile overlays the campaign and backend sections of a YAML file on top
// of the current values. Keys missing from the file keep their current value.
func (c *AppConfig) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	overlay := fileConfig{&c.CampaignConfig, &c.BackendConfig}
	return yaml.Unmarshal(data, &overlay)
}

func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseInt(val string, defaultVal int) int {
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func parseBool(val string, defaultVal bool) bool {
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
