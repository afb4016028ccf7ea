package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mossy-p/blink-signaling/internal/media"
	"github.com/mossy-p/blink-signaling/internal/presence"
	"github.com/mossy-p/blink-signaling/internal/signaling"
)

// greetTimeout bounds how long a peer waits for the data channel to open.
const greetTimeout = 30 * time.Second

type peerCmd struct {
	root         *rootCommand
	cobraCommand *cobra.Command

	mu     sync.Mutex
	engine *media.Engine
}

func newPeerCmd(root *rootCommand) *peerCmd {
	return &peerCmd{root: root}
}

func (c *peerCmd) Cobra() *cobra.Command {
	c.cobraCommand = &cobra.Command{
		Use:   "peer",
		Short: "Join the rendezvous as a headless participant",
		Long: `Join the rendezvous with a pion peer connection, talking to the store
directly. The participant waits for a peer, prints how the session evolves and
greets the peer over the data channel.`,
		Args: cobra.NoArgs,
		RunE: c.runE,
	}

	flags := c.cobraCommand.Flags()
	flags.String("id", "", "Participant id (random when empty)")
	flags.StringP("message", "m", "hello from blink", "Text sent to the peer once connected")

	return c.cobraCommand
}

func (c *peerCmd) runE(cmd *cobra.Command, args []string) error {
	var (
		cfg, log   = c.root.cfg, c.root.log
		flags      = c.cobraCommand.Flags()
		id, _      = flags.GetString("id")
		message, _ = flags.GetString("message")
	)
	if cfg.Store == storeMemory {
		return errors.New("peer needs a store shared with other participants, use --store redis")
	}
	if id == "" {
		id = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	go presence.Keep(ctx, b.presence, id, cfg.Session.HeartbeatInterval, func(err error) {
		log.Warn("presence heartbeat failed", log.Args("error", err))
	})

	newEngine := func(context.Context) (signaling.MediaEngine, error) {
		engine, err := media.New(media.Options{ICEServers: cfg.ICEServers, Logger: log})
		if err != nil {
			return nil, err
		}
		engine.OnMessage(func(data []byte) {
			pterm.Info.Printfln("peer says: %s", data)
		})
		engine.OnTrack(func(track *webrtc.TrackRemote) {
			pterm.Info.Printfln("receiving %s (%s)", track.Kind(), track.Codec().MimeType)
		})
		c.mu.Lock()
		c.engine = engine
		c.mu.Unlock()
		return engine, nil
	}

	caller := signaling.NewCaller(b.store, id, newEngine, signaling.CallerOptions{
		Policy:        signaling.Policy{AutoRenegotiateOnFailure: cfg.Session.AutoRenegotiateOnFailure},
		AnswerTimeout: cfg.Session.AnswerTimeout,
		Logger:        log,
		OnState: func(s *signaling.Session, st signaling.State) {
			switch st {
			case signaling.StateRoleResolved:
				pterm.Info.Printfln("%s in room %s", s.Role(), s.RoomID())
			case signaling.StateCandidatesFlowing:
				pterm.Success.Printfln("paired with %s", s.PeerID())
				go c.greet(ctx, message)
			default:
				pterm.Debug.Printfln("session %s", st)
			}
		},
		OnError: func(err error) {
			pterm.Error.Printfln("%v", err)
		},
	})
	defer caller.Close(context.WithoutCancel(ctx))

	pterm.Info.Printfln("participant %s blinking", id)
	if err := caller.Blink(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	<-ctx.Done()
	pterm.Info.Println("leaving")
	return nil
}

// greet sends message once the data channel of the current engine opens.
func (c *peerCmd) greet(ctx context.Context, message string) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, greetTimeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(250*time.Millisecond), ctx)
	if err := backoff.Retry(func() error { return engine.Send(message) }, b); err != nil {
		c.root.log.Warn("could not greet peer", c.root.log.Args("error", err))
	}
}
