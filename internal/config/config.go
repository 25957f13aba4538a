package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Specification struct {
	Provider          string            `yaml:"provider"`
	APIKey            string            `yaml:"providerApiKey" envconfig:"GOOGLE_API_KEY"`
	GenerationModel   string            `yaml:"providerGenerationModel" envconfig:"PROVIDER_GENERATION_MODEL"`
	EmbedProvider     string            `yaml:"embedProvider" split_words:"true"`
	EmbedModel        string            `yaml:"providerEmbedModel" envconfig:"PROVIDER_EMBEDDING_MODEL"`
	ProjectID         string            `yaml:"providerProjectID" envconfig:"PROVIDER_PROJECT_ID"`
	Location          string            `yaml:"providerLocation" envconfig:"PROVIDER_LOCATION"`
	BaseURL           string            `yaml:"providerBaseURL" envconfig:"PROVIDER_BASE_URL"`
	Dim               int               `yaml:"providerDim" envconfig:"EMBED_DIM"`
	FallbackDim       int               `yaml:"fallbackDim" split_words:"true"`
	DataDir           string            `yaml:"dataDir" split_words:"true"`
	IndexPrefix       string            `yaml:"indexPrefix" split_words:"true"`
	ChunkSize         int               `yaml:"chunkSize" split_words:"true"`
	ChunkOverlap      int               `yaml:"chunkOverlap" split_words:"true"`
	TopK              int               `yaml:"topK" envconfig:"TOP_K"`
	GenerationTimeout time.Duration     `yaml:"generationTimeout" split_words:"true"`
	EnvFile           string            `yaml:"envFile" split_words:"true"`
	Database          string            `yaml:"database" envconfig:"DB_URL"`
	LogLevel          string            `yaml:"logLevel" split_words:"true"`
	Port              int               `yaml:"port" split_words:"true"`
	Auth              AuthSpecification `yaml:"auth"`

	flags *pflag.FlagSet `ignored:"true"`
}

type AuthSpecification struct {
	Enabled   bool          `yaml:"enabled"`
	JwtSecret string        `yaml:"jwtSecret" split_words:"true"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"tokenTTL" envconfig:"TOKEN_TTL"`
}

const envPrefix = "DBASSIST"

func (s *Specification) Usage() {
	fmt.Fprint(os.Stderr, s.flags.FlagUsages())
}

// Load => defaults < YAML < env file < env < flags.
// configPath may be ""; if so we auto-discover.
func Load(configPath string, fs *pflag.FlagSet) (Specification, error) {
	return LoadArgs(configPath, fs, os.Args[1:])
}

// LoadArgs is Load with explicit command line arguments.
func LoadArgs(configPath string, fs *pflag.FlagSet, args []string) (Specification, error) {
	var cfg Specification

	// set defaults (lowest precedence)
	setDefaults(&cfg)
	bindFlags(fs, &cfg, args)

	// config file
	path := configPath
	if path == "" {
		if v := os.Getenv(envPrefix + "_CONFIG"); v != "" {
			path = v
		} else {
			for _, cand := range []string{
				"config/dbassist.yaml",
				"config/config.yaml",
				"./dbassist.yaml",
				"./config.yaml",
			} {
				if fileExists(cand) {
					path = cand
					break
				}
			}
		}
	}

	if path != "" {
		if !fileExists(path) {
			return Specification{}, fmt.Errorf("config file not found: %s", path)
		}
		if err := loadYAML(path, &cfg); err != nil {
			return Specification{}, fmt.Errorf("load yaml %s: %w", path, err)
		}
	}

	// the env file only fills variables the environment leaves unset
	envFile := cfg.EnvFile
	if v := os.Getenv(envPrefix + "_ENV_FILE"); v != "" {
		envFile = v
	}
	if v := flagValue(args, "env-file"); v != "" {
		envFile = v
	}
	if envFile != "" && fileExists(envFile) {
		if err := godotenv.Load(envFile); err != nil {
			return Specification{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	// env overrides config file
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Specification{}, fmt.Errorf("env override: %w", err)
	}

	// flags override everything
	if err := fs.Parse(args); err != nil {
		return Specification{}, err
	}
	applyChangedFlags(fs, &cfg)
	if envFile != "" {
		cfg.EnvFile = envFile
	}

	if err := validate(&cfg); err != nil {
		return Specification{}, err
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

func validate(c *Specification) error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk overlap %d must be in [0, %d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("top-k must be positive, got %d", c.TopK)
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("generation timeout must be positive, got %s", c.GenerationTimeout)
	}
	if strings.TrimSpace(c.IndexPrefix) == "" {
		return fmt.Errorf("%s_INDEX_PREFIX is required (env/file/flag)", envPrefix)
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.JwtSecret) == "" {
		return fmt.Errorf("%s_AUTH_JWT_SECRET is required when auth is enabled", envPrefix)
	}
	return nil
}

// ---------- helpers ----------

func loadYAML(path string, into any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, into)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

// flagValue finds --name value or --name=value in args before parsing.
func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == "--"+name {
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				return args[i+1]
			}
		} else if v, ok := strings.CutPrefix(a, "--"+name+"="); ok {
			return v
		}
	}
	return ""
}

func bindFlags(fs *pflag.FlagSet, c *Specification, args []string) {
	fs.String("config", "", "Path to config file")

	// config discovery runs before fs.Parse
	if v := flagValue(args, "config"); v != "" {
		_ = os.Setenv(envPrefix+"_CONFIG", v)
	}

	fs.String("provider", c.Provider, "Generation provider (stub, gemini, vertexai, openai)")
	fs.String("api-key", c.APIKey, "Provider API key")
	fs.String("generation-model", c.GenerationModel, "Generation model")
	fs.String("embed-provider", c.EmbedProvider, "Embedding provider (defaults to the generation provider)")
	fs.String("embed-model", c.EmbedModel, "Embedding model")
	fs.String("project-id", c.ProjectID, "Provider project ID")
	fs.String("location", c.Location, "Provider location/region")
	fs.String("base-url", c.BaseURL, "Provider base URL (OpenAI compatible)")

	fs.Int("embed-dim", c.Dim, "Embedding dimensionality")
	fs.Int("fallback-dim", c.FallbackDim, "Dimensionality of the local fallback embedder")

	fs.String("data-dir", c.DataDir, "Directory of reference documents")
	fs.String("index-prefix", c.IndexPrefix, "Path prefix of the persisted index")
	fs.Int("chunk-size", c.ChunkSize, "Chunk size in characters")
	fs.Int("chunk-overlap", c.ChunkOverlap, "Overlap between consecutive chunks")
	fs.Int("top-k", c.TopK, "Number of chunks retrieved per request")
	fs.Duration("generation-timeout", c.GenerationTimeout, "Timeout for one generation call")
	fs.String("env-file", c.EnvFile, "Env file with credentials")

	fs.String("db-url", c.Database, "Database URL (DSN) for the request history ledger")

	fs.String("log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.Int("port", c.Port, "API server port")

	fs.Bool("auth-enabled", c.Auth.Enabled, "Require operator bearer tokens")
	fs.String("auth-jwt-secret", c.Auth.JwtSecret, "JWT secret for signing tokens")
	fs.String("auth-issuer", c.Auth.Issuer, "JWT issuer")
	fs.Duration("auth-token-ttl", c.Auth.TokenTTL, "Lifetime of issued tokens")

	// Used later for usage/help
	copied := pflag.NewFlagSet("temp", pflag.ContinueOnError)
	*copied = *fs
	c.flags = copied
}

func applyChangedFlags(fs *pflag.FlagSet, c *Specification) {
	setStr := func(name string, dst *string) {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if fs.Changed(name) {
			v, _ := fs.GetInt(name)
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		if fs.Changed(name) {
			v, _ := fs.GetBool(name)
			*dst = v
		}
	}
	setDur := func(name string, dst *time.Duration) {
		if fs.Changed(name) {
			v, _ := fs.GetDuration(name)
			*dst = v
		}
	}

	// (We ignore --config here; it's for discovery.)
	setStr("provider", &c.Provider)
	setStr("api-key", &c.APIKey)
	setStr("generation-model", &c.GenerationModel)
	setStr("embed-provider", &c.EmbedProvider)
	setStr("embed-model", &c.EmbedModel)
	setStr("project-id", &c.ProjectID)
	setStr("location", &c.Location)
	setStr("base-url", &c.BaseURL)

	setInt("embed-dim", &c.Dim)
	setInt("fallback-dim", &c.FallbackDim)

	setStr("data-dir", &c.DataDir)
	setStr("index-prefix", &c.IndexPrefix)
	setInt("chunk-size", &c.ChunkSize)
	setInt("chunk-overlap", &c.ChunkOverlap)
	setInt("top-k", &c.TopK)
	setDur("generation-timeout", &c.GenerationTimeout)
	setStr("env-file", &c.EnvFile)

	setStr("db-url", &c.Database)

	setStr("log-level", &c.LogLevel)
	setInt("port", &c.Port)

	setBool("auth-enabled", &c.Auth.Enabled)
	setStr("auth-jwt-secret", &c.Auth.JwtSecret)
	setStr("auth-issuer", &c.Auth.Issuer)
	setDur("auth-token-ttl", &c.Auth.TokenTTL)
}

func setDefaults(c *Specification) {
	c.Provider = "gemini"
	c.GenerationModel = "gemini-2.0-flash"
	c.Location = "us-central1"
	c.FallbackDim = 384
	c.DataDir = "data"
	c.IndexPrefix = "faiss/healthcare_index"
	c.ChunkSize = 500
	c.ChunkOverlap = 100
	c.TopK = 4
	c.GenerationTimeout = 60 * time.Second
	c.EnvFile = ".env"
	c.LogLevel = "info"
	c.Port = 8080
	c.Auth.Issuer = "dbassist"
	c.Auth.TokenTTL = 24 * time.Hour
}
