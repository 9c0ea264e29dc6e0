package config

import "time"

// Settings is the process configuration read from the environment.
type Settings struct {
	HTTPPort         string
	IngestPort       string
	HLSDir           string
	FFmpegPath       string
	SegmentSeconds   int
	PlaylistSize     int
	RetentionWindow  time.Duration
	SweepInterval    time.Duration
	DeleteRetries    int
	DeleteBackoff    time.Duration
	EncoderGrace     time.Duration
	HandoffDelay     time.Duration
	CleanupDelay     time.Duration
	HandshakeTimeout time.Duration
	RelayURL         string
	SourcesFile      string
	FallbackSource   string
	HistoryLimit     int
	RedisAddr        string
	RedisPassword    string
	RedisChannel     string
	LogLevel         string
	LogFormat        string
	// LogPolling logs playlist, segment and status requests at info instead
	// of debug.
	LogPolling bool
}

// FromEnv reads Settings, applying defaults for anything unset.
func FromEnv() Settings {
	s := Settings{
		HTTPPort:         GetEnv("HTTP_PORT", "9998"),
		IngestPort:       GetEnv("INGEST_PORT", "9999"),
		HLSDir:           GetEnv("HLS_DIR", "./public/hls"),
		FFmpegPath:       GetEnv("FFMPEG_PATH", "ffmpeg"),
		SegmentSeconds:   GetEnvInt("SEGMENT_SECONDS", 2),
		PlaylistSize:     GetEnvInt("PLAYLIST_SIZE", 4),
		RetentionWindow:  GetEnvDuration("RETENTION_WINDOW", 16*time.Second),
		SweepInterval:    GetEnvDuration("SWEEP_INTERVAL", 3*time.Second),
		DeleteRetries:    GetEnvInt("DELETE_RETRIES", 5),
		DeleteBackoff:    GetEnvDuration("DELETE_BACKOFF", 100*time.Millisecond),
		EncoderGrace:     GetEnvDuration("ENCODER_GRACE", 2*time.Second),
		HandoffDelay:     GetEnvDuration("HANDOFF_DELAY", 500*time.Millisecond),
		CleanupDelay:     GetEnvDuration("CLEANUP_DELAY", time.Second),
		HandshakeTimeout: GetEnvDuration("HANDSHAKE_TIMEOUT", 5*time.Second),
		RelayURL:         GetEnv("RELAY_URL", ""),
		SourcesFile:      GetEnv("SOURCES_FILE", "sources.yaml"),
		FallbackSource:   GetEnv("FALLBACK_SOURCE", ""),
		HistoryLimit:     GetEnvInt("HISTORY_LIMIT", 50),
		RedisAddr:        GetEnv("REDIS_ADDR", ""),
		RedisPassword:    GetEnv("REDIS_PASSWORD", ""),
		RedisChannel:     GetEnv("REDIS_CHANNEL", "live-relay:events"),
		LogLevel:         GetEnv("LOG_LEVEL", "info"),
		LogFormat:        GetEnv("LOG_FORMAT", "json"),
		LogPolling:       GetEnvBool("LOG_POLLING", false),
	}
	if s.RelayURL == "" {
		s.RelayURL = "ws://127.0.0.1:" + s.IngestPort + "/ingest"
	}
	return s
}
