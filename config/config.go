package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del motor.
type Config struct {
	Engine   EngineConfig             `yaml:"engine"`
	Programs map[string]ProgramConfig `yaml:"programs"`
	Storage  StorageConfig            `yaml:"storage"`
	Metrics  MetricsConfig            `yaml:"metrics"`
	Log      LogConfig                `yaml:"log"`
}

// EngineConfig controla colocación, distribución y cascada.
type EngineConfig struct {
	RootParticipant    string  `yaml:"root_participant"`     // raíz de fallback, sembrada al arrancar
	FallbackPool       string  `yaml:"fallback_pool"`        // recibe pool, redirects y redondeo
	Currency           string  `yaml:"currency"`
	Precision          int32   `yaml:"precision"`            // decimales por share
	CascadeMaxDepth    int     `yaml:"cascade_max_depth"`    // cota de profundidad de la cascada de upgrades
	CascadeMaxAttempts int     `yaml:"cascade_max_attempts"` // reintentos antes de marcar FLAGGED
	RecycleChainLimit  int     `yaml:"recycle_chain_limit"`  // reciclajes por transacción; el resto se difiere
	ReserveOvershoot   string  `yaml:"reserve_overshoot"`    // carry_over | release
	Workers            int     `yaml:"workers"`
	IntakeRate         float64 `yaml:"intake_rate"` // eventos/seg; 0 = sin límite
	CascadePollSeconds int     `yaml:"cascade_poll_seconds"`
	DrainCron          string  `yaml:"drain_cron"`  // formato con segundos
	ReviewCron         string  `yaml:"review_cron"` // reintento de FAILED + aviso de FLAGGED
}

// ProgramConfig sobreescribe la tabla por defecto de un programa.
// Los campos vacíos conservan el valor por defecto.
type ProgramConfig struct {
	Costs      []decimal.Decimal        `yaml:"costs"`
	Commission *CommissionConfig        `yaml:"commission"`
	Overrides  map[int]CommissionConfig `yaml:"overrides"` // por tier
}

// CommissionConfig es una tabla de porcentajes; debe sumar 100.
type CommissionConfig struct {
	Referral []decimal.Decimal `yaml:"referral"`
	Levels   []decimal.Decimal `yaml:"levels"`
	Pool     decimal.Decimal   `yaml:"pool"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// MetricsConfig controla el endpoint de Prometheus del modo serve.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // vacío = sin /metrics
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json | tint
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// Validate corre las validaciones de arranque: tablas y política de overshoot.
// Una tabla que no suma 100 devuelve domain.ErrDistributionImbalance.
func (c *Config) Validate() error {
	if _, err := c.Tables(); err != nil {
		return err
	}
	if _, err := c.Overshoot(); err != nil {
		return fmt.Errorf("config.Validate: %w", err)
	}
	if c.Engine.RootParticipant == "" {
		return fmt.Errorf("config.Validate: engine.root_participant is required")
	}
	return nil
}

// Tables construye las tablas de costes y comisiones: las del YAML encima de
// domain.DefaultTables.
func (c *Config) Tables() (domain.Tables, error) {
	tables := domain.DefaultTables()

	names := make([]string, 0, len(c.Programs))
	for name := range c.Programs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		program, err := domain.ParseProgram(name)
		if err != nil {
			return nil, fmt.Errorf("config.Tables: %w", err)
		}
		pc := c.Programs[name]
		t := tables[program]
		if len(pc.Costs) > 0 {
			t.Costs = pc.Costs
		}
		if pc.Commission != nil {
			t.Commission = pc.Commission.table()
		}
		if len(pc.Overrides) > 0 {
			t.Overrides = make(map[int]domain.CommissionTable, len(pc.Overrides))
			for tier, oc := range pc.Overrides {
				t.Overrides[tier] = oc.table()
			}
		}
		tables[program] = t
	}

	if err := tables.Validate(); err != nil {
		return nil, fmt.Errorf("config.Tables: %w", err)
	}
	return tables, nil
}

func (cc CommissionConfig) table() domain.CommissionTable {
	return domain.CommissionTable{
		ReferralShares: cc.Referral,
		LevelShares:    cc.Levels,
		PoolShare:      cc.Pool,
	}
}

// Overshoot devuelve la política de reserva configurada.
func (c *Config) Overshoot() (domain.OvershootPolicy, error) {
	return domain.ParseOvershootPolicy(c.Engine.ReserveOvershoot)
}

// CascadePollInterval devuelve el intervalo de drenado de cascadas como time.Duration.
func (c *Config) CascadePollInterval() time.Duration {
	return time.Duration(c.Engine.CascadePollSeconds) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("SLOTMATRIX_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("SLOTMATRIX_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Engine.RootParticipant == "" {
		cfg.Engine.RootParticipant = "root"
	}
	if cfg.Engine.FallbackPool == "" {
		cfg.Engine.FallbackPool = "company"
	}
	if cfg.Engine.Currency == "" {
		cfg.Engine.Currency = "USDT"
	}
	if cfg.Engine.Precision <= 0 {
		cfg.Engine.Precision = 2
	}
	if cfg.Engine.CascadeMaxDepth <= 0 {
		cfg.Engine.CascadeMaxDepth = 16
	}
	if cfg.Engine.RecycleChainLimit <= 0 {
		cfg.Engine.RecycleChainLimit = 32
	}
	if cfg.Engine.CascadeMaxAttempts <= 0 {
		cfg.Engine.CascadeMaxAttempts = 5
	}
	if cfg.Engine.ReserveOvershoot == "" {
		cfg.Engine.ReserveOvershoot = string(domain.OvershootCarryOver)
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.CascadePollSeconds <= 0 {
		cfg.Engine.CascadePollSeconds = 5
	}
	if cfg.Engine.DrainCron == "" {
		cfg.Engine.DrainCron = "0 * * * * *" // cada minuto
	}
	if cfg.Engine.ReviewCron == "" {
		cfg.Engine.ReviewCron = "0 */15 * * * *"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "slotmatrix.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
