package commands

import (
	"net"
	"time"

	appconfig "github.com/mossy-p/webrtc-call/config"
)

// CLIConfig contains the configuration shared by every command
type CLIConfig struct {
	User             string        `mapstructure:"user"`
	Transport        string        `mapstructure:"transport"`
	Relay            string        `mapstructure:"relay"`
	Token            string        `mapstructure:"token"`
	RedisAddr        string        `mapstructure:"redis-addr"`
	RedisPassword    string        `mapstructure:"redis-password"`
	Capture          string        `mapstructure:"capture"`
	ICEServers       []string      `mapstructure:"ice"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe-timeout"`
	LogLevel         string        `mapstructure:"log"`
	Pretty           bool          `mapstructure:"pretty"`
}

// NewDefaultCLIConfig creates a CLIConfig with default values. ICE servers,
// timeouts and logging follow the service environment (ICE_SERVERS,
// SUBSCRIBE_TIMEOUT, LOG_LEVEL, REDIS_*).
func NewDefaultCLIConfig() *CLIConfig {
	env := appconfig.Load()
	return &CLIConfig{
		Transport:        transportWS,
		Relay:            "ws://localhost:" + env.Port,
		RedisAddr:        net.JoinHostPort(env.Redis.Host, env.Redis.Port),
		RedisPassword:    env.Redis.Password,
		Capture:          captureSample,
		ICEServers:       env.ICEServers,
		SubscribeTimeout: env.SubscribeTimeout,
		LogLevel:         env.LogLevel,
		Pretty:           !env.IsProduction(),
	}
}
