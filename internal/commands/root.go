// Package commands is the blink command line: the signaling gateway and a
// headless participant.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mossy-p/blink-signaling/config"
	"github.com/mossy-p/blink-signaling/internal/logging"
)

// Version is overwritten at build time with -ldflags "-X ...commands.Version=...".
var Version = "dev"

type rootCommand struct {
	cobra.Command
	cfg *config.Config
	log *pterm.Logger
}

// New builds the command tree. Flags default to the values in cfg, which
// itself comes from the environment, so a flag always wins over a variable.
func New(cfg *config.Config) *cobra.Command {
	root := &rootCommand{cfg: cfg}
	root.Use = "blink"
	root.Short = "Anonymous peer to peer rendezvous and signaling"
	root.SilenceUsage = true
	root.PersistentPreRunE = root.persistentPreRunE

	root.setFlags(root.PersistentFlags())
	root.AddCommand(newServeCmd(root).Cobra())
	root.AddCommand(newPeerCmd(root).Cobra())
	root.AddCommand(newVersionCmd().Cobra())
	return &root.Command
}

// ExecuteContext runs the command line with configuration from the
// environment.
func ExecuteContext(ctx context.Context) error {
	return New(config.Load()).ExecuteContext(ctx)
}

func (r *rootCommand) setFlags(flags *pflag.FlagSet) {
	cfg := r.cfg
	flags.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level: trace, debug, info, warn or error")
	flags.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format: text or json")

	flags.StringVar(&cfg.Store, "store", cfg.Store, "Session store: redis or memory")
	flags.StringVar(&cfg.Redis.Host, "redis-host", cfg.Redis.Host, "Redis host")
	flags.StringVar(&cfg.Redis.Port, "redis-port", cfg.Redis.Port, "Redis port")
	flags.StringVar(&cfg.Redis.Password, "redis-password", cfg.Redis.Password, "Redis password")
	flags.IntVar(&cfg.Redis.DB, "redis-db", cfg.Redis.DB, "Redis database")
	flags.StringVar(&cfg.Redis.KeyPrefix, "key-prefix", cfg.Redis.KeyPrefix, "Prefix of every key written to the store")
	flags.DurationVar(&cfg.Redis.TTL, "room-ttl", cfg.Redis.TTL, "Expiry of rooms and candidates left behind (0 keeps them)")

	flags.BoolVar(&cfg.Session.AutoRenegotiateOnFailure, "auto-renegotiate", cfg.Session.AutoRenegotiateOnFailure,
		"Blink again when the connection fails or the peer leaves")
	flags.DurationVar(&cfg.Session.AnswerTimeout, "answer-timeout", cfg.Session.AnswerTimeout,
		"Blink again when nobody answers within this time (0 waits forever)")
	flags.DurationVar(&cfg.Session.PresenceTTL, "presence-ttl", cfg.Session.PresenceTTL, "How long a heartbeat counts a participant as online")
	flags.DurationVar(&cfg.Session.HeartbeatInterval, "heartbeat-interval", cfg.Session.HeartbeatInterval, "Presence heartbeat interval")
	flags.Var(&iceServersFlag{servers: &cfg.ICEServers}, "ice-servers",
		`STUN/TURN servers, e.g. "stun:stun.l.google.com:19302;turn:turn.example.com|user|secret"`)
}

func (r *rootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	switch r.cfg.Store {
	case storeRedis, storeMemory:
	default:
		return fmt.Errorf("unknown store %q, want %s or %s", r.cfg.Store, storeRedis, storeMemory)
	}
	if r.cfg.Session.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", r.cfg.Session.HeartbeatInterval)
	}
	r.log = logging.New(r.cfg.Log, os.Stderr)
	return nil
}

// iceServersFlag parses the ICE server list the same way ICE_SERVERS is parsed.
type iceServersFlag struct {
	servers *[]config.ICEServer
	raw     string
}

var _ pflag.Value = (*iceServersFlag)(nil)

func (f *iceServersFlag) String() string {
	if f.raw == "" && f.servers != nil && len(*f.servers) > 0 {
		return fmt.Sprint((*f.servers)[0].URLs)
	}
	return f.raw
}

func (f *iceServersFlag) Set(s string) error {
	servers := config.ParseICEServers(s)
	if len(servers) == 0 {
		return fmt.Errorf("no ICE server in %q", s)
	}
	*f.servers = servers
	f.raw = s
	return nil
}

func (f *iceServersFlag) Type() string {
	return "servers"
}
