package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/mossy-p/webrtc-call/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	transportWS    = "ws"
	transportRedis = "redis"
	captureSample  = "sample"
	captureDevice  = "device"
)

var (
	config      = NewDefaultCLIConfig()
	envReplacer = strings.NewReplacer("-", "_")
)

// RootCmd is the root command of the headless call client
var RootCmd = &cobra.Command{
	Use:               "callclient",
	Short:             "Headless one-to-one WebRTC call client",
	PersistentPreRunE: loadConfig,
}

func init() {
	addFlags(RootCmd.PersistentFlags())
	RootCmd.AddCommand(dialCmd, listenCmd)
}

func addFlags(flags *pflag.FlagSet) {
	defaults := NewDefaultCLIConfig()
	flags.String("user", defaults.User, "local user id (must match the relay token subject)")
	flags.String("transport", defaults.Transport, "signaling transport: ws or redis")
	flags.String("relay", defaults.Relay, "signaling relay base url (ws:// or wss://)")
	flags.String("token", defaults.Token, "relay JWT; obtained from the relay login endpoint when empty")
	flags.String("redis-addr", defaults.RedisAddr, "host:port of Redis for the redis transport")
	flags.String("redis-password", defaults.RedisPassword, "Redis password")
	flags.String("capture", defaults.Capture, "local media: sample (silence) or device (camera/microphone)")
	flags.StringSlice("ice", defaults.ICEServers, "ICE server urls")
	flags.Duration("subscribe-timeout", defaults.SubscribeTimeout, "signaling subscribe timeout")
	flags.String("log", defaults.LogLevel, "debug, info, warn, error")
	flags.Bool("pretty", defaults.Pretty, "human readable log output")
}

// loadConfig binds the flags through viper so every one of them can also be
// set as a CALL_ prefixed environment variable
func loadConfig(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	viper.SetEnvPrefix("call")
	viper.SetEnvKeyReplacer(envReplacer)
	viper.AutomaticEnv()

	conf, err := parseConfig()
	if err != nil {
		return err
	}
	config = conf

	logging.Setup(config.LogLevel, config.Pretty, os.Stderr)
	log.Debug().
		Str("user", config.User).
		Str("transport", config.Transport).
		Str("capture", config.Capture).
		Strs("ice", config.ICEServers).
		Msg("Loaded configuration")
	return nil
}

// parseConfig reads the configuration from viper and validates it
func parseConfig() (*CLIConfig, error) {
	conf := NewDefaultCLIConfig()
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}

	if conf.User == "" {
		return nil, fmt.Errorf("--user is required")
	}
	switch conf.Transport {
	case transportWS, transportRedis:
	default:
		return nil, fmt.Errorf("unknown transport %q", conf.Transport)
	}
	switch conf.Capture {
	case captureSample, captureDevice:
	default:
		return nil, fmt.Errorf("unknown capture %q", conf.Capture)
	}
	return conf, nil
}
