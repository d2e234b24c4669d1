// Package app wires the voxloop subsystems into a running server.
//
// The [App] owns the full lifecycle: New builds and connects every subsystem,
// Run serves HTTP (and joins the configured Discord voice channel) until the
// context is cancelled, and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithResponder,
// WithDetector, WithListener, ...). When an option is not provided, New
// builds the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/conversation"
	"github.com/voxloop/voxloop/internal/health"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/resilience"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/internal/transcript/phonetic"
	"github.com/voxloop/voxloop/pkg/audio"
	voicechat "github.com/voxloop/voxloop/pkg/audio/discord"
	"github.com/voxloop/voxloop/pkg/audio/wsbridge"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/respond"
	"github.com/voxloop/voxloop/pkg/provider/respond/cascade"
	"github.com/voxloop/voxloop/pkg/provider/respond/relay"
	"github.com/voxloop/voxloop/pkg/provider/transcribe"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/types"
	"github.com/voxloop/voxloop/pkg/vad"
)

// Version is the build version reported in telemetry. Overridden at link
// time via -ldflags "-X ...app.Version=v1.2.3".
var Version = "dev"

// readHeaderTimeout bounds how long a client may take to send request
// headers before the connection is dropped.
const readHeaderTimeout = 10 * time.Second

// Providers holds one built provider per pipeline slot. Populated by the
// command from the config registry. Transcriber is always required; LLM and
// TTS are required in cascade mode and unused in relay mode.
type Providers struct {
	Transcriber transcribe.Provider

	// TranscriberFallbacks are tried in order when the primary transcriber
	// fails; each backend gets its own circuit breaker.
	TranscriberFallbacks []transcribe.Provider

	LLM llm.Provider
	TTS tts.Provider
}

// closer is one shutdown step with a label for the log.
type closer struct {
	name  string
	close func(context.Context) error
}

// App owns all subsystem lifetimes of the voxloop server.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	registry      *prometheus.Registry
	metrics       *observe.Metrics
	transcriber   transcribe.Provider
	newResponder  func() (respond.Provider, error)
	responderName string
	detector      vad.Detector
	filter        *transcript.ArtifactFilter
	commands      *transcript.CommandDetector
	manager       *ConversationManager
	bridge        *wsbridge.Bridge
	httpSrv       *http.Server
	listener      net.Listener

	// Discord transport, set by Run when configured.
	gateway *discordgo.Session
	voice   *voicechat.Conn

	// closers run in reverse order during Shutdown.
	closers []closer

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithResponder injects a responder instead of assembling one from the
// config's mode and providers. Every conversation shares the injected
// instance, so tests can inspect it.
func WithResponder(p respond.Provider) Option {
	return func(a *App) {
		a.newResponder = func() (respond.Provider, error) { return p, nil }
	}
}

// WithDetector injects a voice activity detector instead of creating an
// energy detector from the tuning config.
func WithDetector(d vad.Detector) Option {
	return func(a *App) { a.detector = d }
}

// WithMetrics injects a metrics set instead of creating one from the global
// meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener serves HTTP on an existing listener instead of binding the
// configured address. Tests use it to listen on an ephemeral port.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from the command, populated via the config registry. Initialisation
// is synchronous and ordered: telemetry, metrics, the reply pipeline, the
// conversation manager, the HTTP surface. Nothing touches the network until
// Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Metrics ───────────────────────────────────────────────────────
	if err := a.initMetrics(); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	// ── 3. Reply pipeline ────────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. Conversation manager ──────────────────────────────────────────
	a.manager = NewConversationManager(a.newEngine, a.logger)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry sets up the OTel SDK with a private Prometheus registry that
// the /metrics endpoint serves.
func (a *App) initTelemetry(ctx context.Context) error {
	a.registry = prometheus.NewRegistry()
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxloop",
		ServiceVersion: Version,
		Registerer:     a.registry,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closer{name: "telemetry", close: shutdown})
	return nil
}

// initMetrics builds the pipeline instruments unless a set was injected.
func (a *App) initMetrics() error {
	if a.metrics != nil {
		return nil
	}
	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initPipeline assembles the reply pipeline: the shared transcriber
// (wrapped in failover when fallbacks are configured), the responder
// factory for the configured mode, the voice activity detector, and the
// hallucination filter.
func (a *App) initPipeline() error {
	if a.providers.Transcriber == nil {
		return errors.New("a transcriber provider is required")
	}
	a.transcriber = a.providers.Transcriber
	if len(a.providers.TranscriberFallbacks) > 0 {
		fb := resilience.NewTranscribeFallback(a.transcriber, a.transcriber.Name(), resilience.FallbackConfig{})
		for _, p := range a.providers.TranscriberFallbacks {
			fb.AddFallback(p.Name(), p)
		}
		a.transcriber = fb
		a.logger.Info("transcriber failover enabled", "backends", fb.Name())
	}

	if a.newResponder == nil {
		a.newResponder = a.buildResponder
	}
	// Each conversation gets its own responder from the factory, so one
	// client's history never rides along in another client's requests.
	// Build one now so a bad responder config fails in New, not on the
	// first connection.
	r, err := a.newResponder()
	if err != nil {
		return err
	}
	a.responderName = r.Name()

	if a.detector == nil {
		det, err := vad.NewEnergy(vad.Config{
			SilenceThreshold: a.cfg.Tuning.SilenceThreshold,
			SpeechThreshold:  a.cfg.Tuning.SpeechThreshold,
		})
		if err != nil {
			return err
		}
		a.detector = det
	}

	a.filter = transcript.NewArtifactFilter(transcript.FilterConfig{
		ExtraDenylist: a.cfg.Tuning.Denylist,
	})

	// Regex pass plus phonetic second pass, so a transcription that mangles
	// a command phrase still triggers it.
	a.commands = transcript.NewCommandDetector(transcript.WithMatcher(phonetic.New()))

	// The app owns the providers it was given: any that hold resources
	// (native models, persistent connections) are closed on shutdown.
	owned := append([]transcribe.Provider{a.providers.Transcriber}, a.providers.TranscriberFallbacks...)
	for _, p := range owned {
		if c, ok := p.(io.Closer); ok {
			a.closers = append(a.closers, closer{
				name:  "transcriber " + p.Name(),
				close: func(context.Context) error { return c.Close() },
			})
		}
	}

	return nil
}

// buildResponder assembles the respond.Provider for the configured mode.
func (a *App) buildResponder() (respond.Provider, error) {
	mode := a.cfg.Responder.Mode
	if mode == "" {
		mode = config.ModeCascade
	}

	switch mode {
	case config.ModeCascade:
		if a.providers.LLM == nil {
			return nil, errors.New("cascade mode requires an llm provider")
		}
		if a.providers.TTS == nil {
			return nil, errors.New("cascade mode requires a tts provider")
		}
		opts := []cascade.Option{cascade.WithLogger(a.logger)}
		if p := a.cfg.Responder.SystemPrompt; p != "" {
			opts = append(opts, cascade.WithSystemPrompt(p))
		}
		if v := a.cfg.Responder.Voice; v != "" {
			opts = append(opts, cascade.WithVoice(types.VoiceProfile{ID: v}))
		}
		if n := a.cfg.Responder.MaxTurns; n > 0 {
			opts = append(opts, cascade.WithMaxTurns(n))
		}
		if n := a.cfg.Responder.SynthesisConcurrency; n > 0 {
			opts = append(opts, cascade.WithSynthesisConcurrency(n))
		}
		return cascade.New(a.providers.LLM, a.providers.TTS, opts...), nil

	case config.ModeRelay:
		if a.cfg.Responder.RelayURL == "" {
			return nil, errors.New("relay mode requires responder.relay_url")
		}
		return relay.New(a.cfg.Responder.RelayURL, relay.WithLogger(a.logger))

	default:
		return nil, fmt.Errorf("unknown responder mode %q", mode)
	}
}

// initHTTP builds the route table and the server. The WebSocket bridge is
// mounted outside the observability middleware: its handler hijacks the
// connection and lives as long as the client, which would wedge the request
// histogram.
func (a *App) initHTTP() {
	a.bridge = wsbridge.New(
		func(conn *wsbridge.Conn) (wsbridge.Session, error) { return a.newBridgeSession(conn) },
		wsbridge.WithLogger(a.logger),
	)

	mux := http.NewServeMux()
	health.New(a.healthCheckers()...).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	root := http.NewServeMux()
	root.Handle("GET /ws", a.bridge)
	root.Handle("/", observe.Middleware(a.metrics)(mux))

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// healthCheckers builds the readiness probes for the configured backends.
// Only HTTP-addressable dependencies get a probe; in-process backends are
// ready whenever the server is.
func (a *App) healthCheckers() []health.Checker {
	var checks []health.Checker
	if url := a.cfg.Providers.Transcriber.BaseURL; url != "" {
		checks = append(checks, health.Reachable("transcriber", url, nil))
	}
	if a.cfg.Responder.Mode == config.ModeRelay && a.cfg.Responder.RelayURL != "" {
		checks = append(checks, health.Reachable("responder", a.cfg.Responder.RelayURL, nil))
	}
	return checks
}

// newEngine builds one conversation engine over a client's audio endpoints.
// The transcriber and detector are shared across conversations; the
// responder is built per engine because it carries conversation state.
// Capture gates come from the tuning config current at engine creation.
func (a *App) newEngine(source audio.Source, sink audio.Sink) (*conversation.Engine, error) {
	responder, err := a.newResponder()
	if err != nil {
		return nil, err
	}
	return conversation.New(conversation.Deps{
		Source:      source,
		Sink:        sink,
		Transcriber: a.transcriber,
		Responder:   responder,
		VAD:         a.detector,
		Filter:      a.filter,
		Commands:    a.commands,
		Config: conversation.Config{
			SilenceDelay: time.Duration(a.cfg.Tuning.SilenceDelay),
			MinRecording: time.Duration(a.cfg.Tuning.MinRecording),
			MaxUtterance: time.Duration(a.cfg.Tuning.MaxUtterance),
			Language:     a.cfg.Tuning.Language,
		},
		Metrics: a.metrics,
		Logger:  a.logger,
	})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run joins the configured Discord voice channel, starts the HTTP server,
// and blocks until ctx is cancelled or the server fails. When ctx is done,
// Run returns context.Canceled; call Shutdown to tear down.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
		a.listener = ln
	}

	if err := a.joinDiscord(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info("voxloop serving",
		"addr", ln.Addr().String(),
		"tls", a.cfg.Server.TLS != nil,
		"responder", a.responderName,
		"transcriber", a.transcriber.Name(),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// joinDiscord connects the Discord transport when a token and voice channel
// are configured. The conversation is entered immediately: a voice channel
// has no per-client enter control, so the bot listens from the moment it
// joins. Spoken commands ("end conversation") still stop it.
func (a *App) joinDiscord(ctx context.Context) error {
	dc := a.cfg.Discord
	if dc.Token == "" || dc.ChannelID == "" {
		return nil
	}

	gw, err := discordgo.New("Bot " + dc.Token)
	if err != nil {
		return fmt.Errorf("app: create discord session: %w", err)
	}
	gw.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := gw.Open(); err != nil {
		return fmt.Errorf("app: open discord gateway: %w", err)
	}
	a.gateway = gw
	a.closers = append(a.closers, closer{
		name:  "discord gateway",
		close: func(context.Context) error { return gw.Close() },
	})

	conn, err := voicechat.New(gw, voicechat.WithLogger(a.logger)).Join(ctx, dc.GuildID, dc.ChannelID)
	if err != nil {
		return err
	}
	a.voice = conn
	a.closers = append(a.closers, closer{
		name:  "discord voice",
		close: func(context.Context) error { return conn.Close() },
	})

	clientID := "discord:" + dc.ChannelID
	eng, _, err := a.manager.Start(clientID, "discord", conn.Source(), conn.Sink())
	if err != nil {
		return err
	}
	go a.logNotices(eng.Notices(), conn.Done())
	if err := eng.Enter(ctx); err != nil {
		return fmt.Errorf("app: enter discord conversation: %w", err)
	}
	return nil
}

// logNotices drains a voice conversation's notices into the log. A voice
// channel has no toast surface, so the log is where they land.
func (a *App) logNotices(notices <-chan conversation.Notice, done <-chan struct{}) {
	for {
		select {
		case n := <-notices:
			a.logger.Info("conversation notice", "text", n.Text)
		case <-done:
			return
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the server down: conversations exit first, then the bridge
// drops its WebSockets (which unblocks the HTTP shutdown), then the
// remaining subsystems close in reverse init order. It respects the context
// deadline: if ctx expires, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down")

		// Exiting conversations stops captures and playback before their
		// transports disappear underneath them.
		a.manager.StopAll()

		a.bridge.Close()

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i].close(ctx); err != nil {
				a.logger.Warn("closer error", "closer", a.closers[i].name, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the conversation manager, for diagnostics and tuning
// broadcasts.
func (a *App) Manager() *ConversationManager {
	return a.manager
}

// ApplyTuning forwards a hot-reloaded tuning update to every running
// conversation. Errors are joined; a detector that cannot retune does not
// stop the broadcast.
func (a *App) ApplyTuning(u conversation.TuningUpdate) error {
	var errs []error
	a.manager.Each(func(clientID string, eng *conversation.Engine) {
		if err := eng.ApplyTuning(u); err != nil {
			errs = append(errs, fmt.Errorf("client %s: %w", clientID, err))
		}
	})
	return errors.Join(errs...)
}
