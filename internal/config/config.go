package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the HTTP and WebSocket listener binds to.
	DefaultAddr = ":8080"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultHeartbeatTimeout closes sessions that stay silent for longer than this.
	DefaultHeartbeatTimeout = 90 * time.Second
	// DefaultHandlerTimeout bounds how long an inbound frame may occupy a read loop.
	DefaultHandlerTimeout = 5 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultTokenLeeway is the clock skew tolerated when validating session tokens.
	DefaultTokenLeeway = 5 * time.Second

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "realtime.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultJournalMaxAge bounds how long exam journals stay on disk.
	DefaultJournalMaxAge = 30 * 24 * time.Hour
	// DefaultJournalMaxBundles caps the number of retained exam journals.
	DefaultJournalMaxBundles = 500
	// DefaultElasticPrefix namespaces the archive indexes.
	DefaultElasticPrefix = "realtime"
)

// Tunable defaults for the coordinator components.
const (
	DefaultExamTick           = 30 * time.Second
	DefaultMatchTick          = 5 * time.Second
	DefaultBattleReapInterval = 5 * time.Second
	DefaultRatingBand         = 300
	DefaultQueueTTL           = 2 * time.Minute
	DefaultInviteTTL          = 60 * time.Second
	DefaultMatchedBattleTTL   = time.Hour
	DefaultQuestionLimit      = 30 * time.Second
	DefaultWinnerXP           = 50
	DefaultLoserXP            = 10
	DefaultRatingDelta        = 15
	DefaultBucketBurst        = 20
	DefaultBucketRefill       = 5.0
	DefaultNotificationCap    = 60
	DefaultOutboundQueue      = 256
	DefaultSlowConsumerDrops  = 64
	DefaultFriendCacheTTL     = 30 * time.Second
	DefaultViolationLimit     = 3
	DefaultLeaderboardSize    = 20
)

// Config captures all runtime settings for the realtime coordinator.
type Config struct {
	Address          string
	AllowedOrigins   []string
	MaxPayloadBytes  int64
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration
	HandlerTimeout   time.Duration
	TLSCertPath      string
	TLSKeyPath       string
	AdminToken       string

	JWTSecret   string
	TokenLeeway time.Duration

	GRPCAddress      string
	GRPCSharedSecret string
	GRPCCertPath     string
	GRPCKeyPath      string
	GRPCClientCAPath string

	DatabaseDSN   string
	ElasticURL    string
	ElasticPrefix string

	JournalDir        string
	JournalMaxAge     time.Duration
	JournalMaxBundles int

	Logging  LoggingConfig
	Tunables Tunables
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Tunables holds the timing and scoring constants shared by the coordinator components.
type Tunables struct {
	ExamTick           time.Duration
	MatchTick          time.Duration
	BattleReapInterval time.Duration
	RatingBand         int
	QueueTTL           time.Duration
	InviteTTL          time.Duration
	MatchedBattleTTL   time.Duration
	QuestionLimit      time.Duration
	WinnerXP           int
	LoserXP            int
	RatingDelta        int
	BucketBurst        int
	BucketRefill       float64
	NotificationCap    int
	OutboundQueue      int
	SlowConsumerDrops  int
	FriendCacheTTL     time.Duration
	ViolationLimit     int
	LeaderboardSize    int
}

// DefaultTunables returns the coordinator constants used when no overrides are present.
func DefaultTunables() Tunables {
	return Tunables{
		ExamTick:           DefaultExamTick,
		MatchTick:          DefaultMatchTick,
		BattleReapInterval: DefaultBattleReapInterval,
		RatingBand:         DefaultRatingBand,
		QueueTTL:           DefaultQueueTTL,
		InviteTTL:          DefaultInviteTTL,
		MatchedBattleTTL:   DefaultMatchedBattleTTL,
		QuestionLimit:      DefaultQuestionLimit,
		WinnerXP:           DefaultWinnerXP,
		LoserXP:            DefaultLoserXP,
		RatingDelta:        DefaultRatingDelta,
		BucketBurst:        DefaultBucketBurst,
		BucketRefill:       DefaultBucketRefill,
		NotificationCap:    DefaultNotificationCap,
		OutboundQueue:      DefaultOutboundQueue,
		SlowConsumerDrops:  DefaultSlowConsumerDrops,
		FriendCacheTTL:     DefaultFriendCacheTTL,
		ViolationLimit:     DefaultViolationLimit,
		LeaderboardSize:    DefaultLeaderboardSize,
	}
}

// Load reads the coordinator configuration from REALTIME_* environment variables, applying
// defaults and returning one error that lists every invalid override.
func Load() (*Config, error) {
	cfg := &Config{
		Address:          getString("REALTIME_ADDR", DefaultAddr),
		AllowedOrigins:   parseList(os.Getenv("REALTIME_ALLOWED_ORIGINS")),
		MaxPayloadBytes:  DefaultMaxPayloadBytes,
		PingInterval:     DefaultPingInterval,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		HandlerTimeout:   DefaultHandlerTimeout,
		TLSCertPath:      strings.TrimSpace(os.Getenv("REALTIME_TLS_CERT")),
		TLSKeyPath:       strings.TrimSpace(os.Getenv("REALTIME_TLS_KEY")),
		AdminToken:       strings.TrimSpace(os.Getenv("REALTIME_ADMIN_TOKEN")),
		JWTSecret:        strings.TrimSpace(os.Getenv("REALTIME_JWT_SECRET")),
		TokenLeeway:      DefaultTokenLeeway,
		GRPCAddress:      strings.TrimSpace(os.Getenv("REALTIME_GRPC_ADDR")),
		GRPCSharedSecret: strings.TrimSpace(os.Getenv("REALTIME_GRPC_SHARED_SECRET")),
		GRPCCertPath:     strings.TrimSpace(os.Getenv("REALTIME_GRPC_TLS_CERT")),
		GRPCKeyPath:      strings.TrimSpace(os.Getenv("REALTIME_GRPC_TLS_KEY")),
		GRPCClientCAPath: strings.TrimSpace(os.Getenv("REALTIME_GRPC_CLIENT_CA")),
		DatabaseDSN:      strings.TrimSpace(os.Getenv("REALTIME_DATABASE_DSN")),
		ElasticURL:       strings.TrimSpace(os.Getenv("REALTIME_ELASTIC_URL")),
		ElasticPrefix:    getString("REALTIME_ELASTIC_PREFIX", DefaultElasticPrefix),
		JournalDir:       strings.TrimSpace(os.Getenv("REALTIME_JOURNAL_DIR")),
		JournalMaxAge:    DefaultJournalMaxAge,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("REALTIME_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("REALTIME_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		Tunables: DefaultTunables(),
	}

	cfg.JournalMaxBundles = DefaultJournalMaxBundles

	p := &parser{}

	p.positiveInt64("REALTIME_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes)
	p.positiveDuration("REALTIME_PING_INTERVAL", &cfg.PingInterval)
	p.positiveDuration("REALTIME_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout)
	p.positiveDuration("REALTIME_HANDLER_TIMEOUT", &cfg.HandlerTimeout)
	p.nonNegativeDuration("REALTIME_TOKEN_LEEWAY", &cfg.TokenLeeway)
	p.positiveDuration("REALTIME_JOURNAL_MAX_AGE", &cfg.JournalMaxAge)
	p.nonNegativeInt("REALTIME_JOURNAL_MAX_BUNDLES", &cfg.JournalMaxBundles)

	p.positiveInt("REALTIME_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB)
	p.nonNegativeInt("REALTIME_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups)
	p.nonNegativeInt("REALTIME_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays)
	p.boolean("REALTIME_LOG_COMPRESS", &cfg.Logging.Compress)

	t := &cfg.Tunables
	p.positiveDuration("REALTIME_EXAM_TICK", &t.ExamTick)
	p.positiveDuration("REALTIME_MATCH_TICK", &t.MatchTick)
	p.positiveDuration("REALTIME_BATTLE_REAP_INTERVAL", &t.BattleReapInterval)
	p.nonNegativeInt("REALTIME_RATING_BAND", &t.RatingBand)
	p.positiveDuration("REALTIME_QUEUE_TTL", &t.QueueTTL)
	p.positiveDuration("REALTIME_INVITE_TTL", &t.InviteTTL)
	p.positiveDuration("REALTIME_MATCHED_BATTLE_TTL", &t.MatchedBattleTTL)
	p.positiveDuration("REALTIME_QUESTION_LIMIT", &t.QuestionLimit)
	p.nonNegativeInt("REALTIME_WINNER_XP", &t.WinnerXP)
	p.nonNegativeInt("REALTIME_LOSER_XP", &t.LoserXP)
	p.nonNegativeInt("REALTIME_RATING_DELTA", &t.RatingDelta)
	p.positiveInt("REALTIME_BUCKET_BURST", &t.BucketBurst)
	p.positiveFloat("REALTIME_BUCKET_REFILL", &t.BucketRefill)
	p.positiveInt("REALTIME_NOTIFICATION_CAP", &t.NotificationCap)
	p.positiveInt("REALTIME_OUTBOUND_QUEUE", &t.OutboundQueue)
	p.positiveInt("REALTIME_SLOW_CONSUMER_DROPS", &t.SlowConsumerDrops)
	p.positiveDuration("REALTIME_FRIEND_CACHE_TTL", &t.FriendCacheTTL)
	p.positiveInt("REALTIME_VIOLATION_LIMIT", &t.ViolationLimit)
	p.positiveInt("REALTIME_LEADERBOARD_SIZE", &t.LeaderboardSize)

	if cfg.JWTSecret == "" {
		p.problems = append(p.problems, "REALTIME_JWT_SECRET must be provided")
	}
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		p.problems = append(p.problems, "REALTIME_TLS_CERT and REALTIME_TLS_KEY must be provided together")
	}
	if cfg.GRPCAddress != "" && !cfg.GRPCMutualTLS() && cfg.GRPCSharedSecret == "" {
		p.problems = append(p.problems, "REALTIME_GRPC_ADDR requires REALTIME_GRPC_SHARED_SECRET or a complete mTLS configuration")
	}
	mtlsParts := 0
	for _, part := range []string{cfg.GRPCCertPath, cfg.GRPCKeyPath, cfg.GRPCClientCAPath} {
		if part != "" {
			mtlsParts++
		}
	}
	if mtlsParts != 0 && mtlsParts != 3 {
		p.problems = append(p.problems, "REALTIME_GRPC_TLS_CERT, REALTIME_GRPC_TLS_KEY and REALTIME_GRPC_CLIENT_CA must be provided together")
	}
	if cfg.PingInterval >= cfg.HeartbeatTimeout {
		p.problems = append(p.problems, "REALTIME_PING_INTERVAL must be shorter than REALTIME_HEARTBEAT_TIMEOUT")
	}

	if len(p.problems) > 0 {
		return nil, errors.New(strings.Join(p.problems, "; "))
	}

	return cfg, nil
}

// GRPCMutualTLS reports whether the control plane should authenticate peers with client certificates.
func (c *Config) GRPCMutualTLS() bool {
	if c == nil {
		return false
	}
	return c.GRPCCertPath != "" && c.GRPCKeyPath != "" && c.GRPCClientCAPath != ""
}

// parser accumulates validation problems while applying environment overrides.
type parser struct {
	problems []string
}

func (p *parser) lookup(key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	return raw, raw != ""
}

func (p *parser) positiveDuration(key string, dst *time.Duration) {
	raw, ok := p.lookup(key)
	if !ok {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = value
}

func (p *parser) nonNegativeDuration(key string, dst *time.Duration) {
	raw, ok := p.lookup(key)
	if !ok {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value < 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a non-negative duration, got %q", key, raw))
		return
	}
	*dst = value
}

func (p *parser) positiveInt(key string, dst *int) {
	raw, ok := p.lookup(key)
	if !ok {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*dst = value
}

func (p *parser) nonNegativeInt(key string, dst *int) {
	raw, ok := p.lookup(key)
	if !ok {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
		return
	}
	*dst = value
}

func (p *parser) positiveInt64(key string, dst *int64) {
	raw, ok := p.lookup(key)
	if !ok {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*dst = value
}

func (p *parser) positiveFloat(key string, dst *float64) {
	raw, ok := p.lookup(key)
	if !ok {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value <= 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a positive number, got %q", key, raw))
		return
	}
	*dst = value
}

func (p *parser) boolean(key string, dst *bool) {
	raw, ok := p.lookup(key)
	if !ok {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
		return
	}
	*dst = value
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
