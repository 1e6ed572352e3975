package config

// --- YAML-Specific Structs ---

type YamlPostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlFirestoreConfig struct {
	ProjectID string `yaml:"project_id"`
}

// YamlChangeSourceConfig selects where change events arrive from.
type YamlChangeSourceConfig struct {
	Type     string             `yaml:"type"` // "postgres" or "redis"
	Postgres YamlPostgresConfig `yaml:"postgres"`
	Redis    YamlRedisConfig    `yaml:"redis"`
}

// YamlTokenStoreConfig selects the device-token registry backend.
type YamlTokenStoreConfig struct {
	Type      string              `yaml:"type"` // "postgres", "firestore" or "memory"
	Postgres  YamlPostgresConfig  `yaml:"postgres"`
	Firestore YamlFirestoreConfig `yaml:"firestore"`
}

type YamlPushConfig struct {
	GatewayURL string `yaml:"gateway_url"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	RunMode                 string                 `yaml:"run_mode"`
	APIPort                 string                 `yaml:"api_port"`
	WebSocketPort           string                 `yaml:"websocket_port"`
	JWTSecret               string                 `yaml:"jwt_secret"`
	ChangeSource            YamlChangeSourceConfig `yaml:"change_source"`
	TokenStore              YamlTokenStoreConfig   `yaml:"token_store"`
	Push                    YamlPushConfig         `yaml:"push"`
	ReconnectBackoffSeconds int                    `yaml:"reconnect_backoff_seconds"`
	ShutdownTimeoutSeconds  int                    `yaml:"shutdown_timeout_seconds"`
}

// NewConfigFromYaml converts the raw unmarshaled data into a clean, base
// AppConfig struct, without environment overrides applied yet.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	appCfg := &AppConfig{
		RunMode:                 yamlCfg.RunMode,
		APIPort:                 yamlCfg.APIPort,
		WebSocketPort:           yamlCfg.WebSocketPort,
		JWTSecret:               yamlCfg.JWTSecret,
		ChangeSource:            yamlCfg.ChangeSource,
		TokenStore:              yamlCfg.TokenStore,
		Push:                    yamlCfg.Push,
		ReconnectBackoffSeconds: yamlCfg.ReconnectBackoffSeconds,
		ShutdownTimeoutSeconds:  yamlCfg.ShutdownTimeoutSeconds,
	}
	return appCfg, nil
}
