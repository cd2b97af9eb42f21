package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	_ "github.com/joho/godotenv/autoload"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Wallet struct {
		XPub string `yaml:"xpub"`
	} `yaml:"wallet"`
	Valuation struct {
		Endpoints         []string `yaml:"endpoints"`
		TTLMinutes        int      `yaml:"ttl_minutes"`
		StaleMinutes      int      `yaml:"stale_minutes"`
		FailoverThreshold int      `yaml:"failover_threshold"`
		TimeoutSeconds    int      `yaml:"timeout_seconds"`
	} `yaml:"valuation"`
	Chain struct {
		RPCEndpoints      []string `yaml:"rpc_endpoints"`
		WSEndpoint        string   `yaml:"ws_endpoint"`
		FailoverThreshold int      `yaml:"failover_threshold"`
		TimeoutSeconds    int      `yaml:"timeout_seconds"`
	} `yaml:"chain"`
	Payments struct {
		WindowMinutes     int               `yaml:"window_minutes"`
		ToleranceBps      int64             `yaml:"tolerance_bps"`
		OverpaymentPolicy string            `yaml:"overpayment_policy"`
		NetworkFees       map[string]string `yaml:"network_fees"`
	} `yaml:"payments"`
	Fulfillment struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"fulfillment"`
	Worker struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		VerifyBatch     int `yaml:"verify_batch"`
	} `yaml:"worker"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if len(cfg.Valuation.Endpoints) == 0 {
		return nil, errors.New("valuation.endpoints is required")
	}
	if cfg.Valuation.StaleMinutes < cfg.Valuation.TTLMinutes {
		return nil, errors.New("valuation.stale_minutes must be >= valuation.ttl_minutes")
	}
	if len(cfg.Chain.RPCEndpoints) == 0 {
		return nil, errors.New("chain.rpc_endpoints is required")
	}
	if cfg.Payments.ToleranceBps < 0 || cfg.Payments.ToleranceBps > 50 {
		return nil, errors.New("payments.tolerance_bps must be in 0..50")
	}
	switch cfg.Payments.OverpaymentPolicy {
	case "complete", "review":
	default:
		return nil, errors.New("payments.overpayment_policy must be complete or review")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Valuation.TTLMinutes <= 0 {
		cfg.Valuation.TTLMinutes = 5
	}
	if cfg.Valuation.StaleMinutes <= 0 {
		cfg.Valuation.StaleMinutes = 30
	}
	if cfg.Valuation.TimeoutSeconds <= 0 {
		cfg.Valuation.TimeoutSeconds = 5
	}
	if cfg.Chain.TimeoutSeconds <= 0 {
		cfg.Chain.TimeoutSeconds = 10
	}
	if cfg.Payments.WindowMinutes <= 0 {
		cfg.Payments.WindowMinutes = 15
	}
	if cfg.Payments.OverpaymentPolicy == "" {
		cfg.Payments.OverpaymentPolicy = "complete"
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 60
	}
	if cfg.Worker.VerifyBatch <= 0 {
		cfg.Worker.VerifyBatch = 50
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("WALLET_XPUB"); v != "" {
		cfg.Wallet.XPub = v
	}
	if v := os.Getenv("VALUATION_ENDPOINTS"); v != "" {
		cfg.Valuation.Endpoints = splitCommaList(v)
	}
	if v := os.Getenv("VALUATION_TTL_MINUTES"); v != "" {
		cfg.Valuation.TTLMinutes = atoiOr(cfg.Valuation.TTLMinutes, v)
	}
	if v := os.Getenv("VALUATION_STALE_MINUTES"); v != "" {
		cfg.Valuation.StaleMinutes = atoiOr(cfg.Valuation.StaleMinutes, v)
	}
	if v := os.Getenv("CHAIN_RPC_ENDPOINTS"); v != "" {
		cfg.Chain.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("CHAIN_WS_ENDPOINT"); v != "" {
		cfg.Chain.WSEndpoint = v
	}
	if v := os.Getenv("PAYMENT_WINDOW_MINUTES"); v != "" {
		cfg.Payments.WindowMinutes = atoiOr(cfg.Payments.WindowMinutes, v)
	}
	if v := os.Getenv("PAYMENT_TOLERANCE_BPS"); v != "" {
		cfg.Payments.ToleranceBps = atoi64Or(cfg.Payments.ToleranceBps, v)
	}
	if v := os.Getenv("OVERPAYMENT_POLICY"); v != "" {
		cfg.Payments.OverpaymentPolicy = v
	}
	if v := os.Getenv("FULFILLMENT_BROKERS"); v != "" {
		cfg.Fulfillment.Brokers = splitCommaList(v)
	}
	if v := os.Getenv("FULFILLMENT_TOPIC"); v != "" {
		cfg.Fulfillment.Topic = v
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoiOr(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_VERIFY_BATCH"); v != "" {
		cfg.Worker.VerifyBatch = atoiOr(cfg.Worker.VerifyBatch, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
