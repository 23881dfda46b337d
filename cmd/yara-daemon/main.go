package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	log "log/slog"

	"yara/internal/assistant"
	"yara/internal/audio"
	"yara/internal/config"
	"yara/internal/ipc"
	"yara/internal/notify"
	"yara/internal/playback"
	"yara/internal/proxy"
	"yara/internal/remote"
	"yara/internal/session"
	"yara/internal/statusfeed"
	"yara/internal/tts"
	"yara/internal/wakeword"
	"yara/pkg/stt"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "yara-daemon:", err)
		os.Exit(2)
	}

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: config.LogLevels[cfg.LogLevel],
	})))

	log.Info("Booting up")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient, err := proxy.NewSocksClient(cfg.Proxy, cfg.RequestTimeout+10*time.Second)
	if err != nil {
		log.Error("Failed to dial socks proxy", "proxy", cfg.Proxy, "err", err)
		os.Exit(1)
	}

	inference, history, cleanup, err := newBackend(cfg, httpClient)
	if err != nil {
		log.Error("Failed to set up backend", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	player := playback.NewPlayer(0)
	chime := notify.NewChime(player)

	opts := session.Options{
		Inference:      inference,
		History:        history,
		Player:         player,
		ErrorCooldown:  cfg.ErrorCooldown,
		RequestTimeout: cfg.RequestTimeout,
	}

	var (
		whisper *stt.Transcriber
		wake    *wakeword.Detector
	)

	rec := audio.NewRecorder()
	if err := rec.Init(); err != nil {
		log.Warn("No audio input, voice capture disabled", "err", err)
	} else {
		defer rec.Close()
		log.Debug("Loaded recorder")

		whisper, err = stt.NewTranscriber(cfg.WhisperModel, stt.Options{
			Language:      cfg.Language,
			InitialPrompt: cfg.WakeWord,
		})
		if err != nil {
			log.Warn("Failed to load whisper, voice capture disabled", "model", cfg.WhisperModel, "err", err)
			whisper = nil
		} else {
			defer whisper.Close()
			log.Debug("Loaded whisper")

			opts.Capture = audio.NewCapture(rec, whisper, audio.DefaultEndpointing())
			wake = wakeword.NewDetector(rec, whisper, wakeword.Options{
				Phrase:      cfg.WakeWord,
				Sensitivity: cfg.Sensitivity,
				Chime:       chime.Play,
			})
			opts.WakeWord = wake
		}
	}

	hub := statusfeed.NewHub()
	opts.Observers = []session.Observer{hub, notify.NewDesktop()}

	if cfg.Duck {
		ducker := audio.NewSessionDucker(audio.NewDucker([]string{"yara-daemon"}, 10), 0.3, 300*time.Millisecond)
		go ducker.Run(ctx)
		opts.Observers = append(opts.Observers, ducker)
	}
	if wake != nil {
		opts.Observers = append(opts.Observers, wake)
	}

	ctrl, err := session.New(opts)
	if err != nil {
		log.Error("Failed to create session", "err", err)
		os.Exit(1)
	}
	if wake != nil {
		wake.SetTarget(ctrl)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Run(ctx)
	}()

	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := ctrl.LoadHistory(hctx); err != nil {
		log.Warn("Chat history not loaded", "err", err)
	}
	cancel()

	if cfg.FeedAddr != "" {
		go func() {
			if err := hub.Serve(ctx, cfg.FeedAddr); err != nil {
				log.Error("Status feed failed", "err", err)
			}
		}()
	}

	cmds := &commands{ctrl: ctrl}
	if whisper != nil {
		cmds.stt = whisper
	}
	if wake != nil {
		cmds.wake = wake
	}

	srv, err := ipc.StartServer(cfg.Socket, cmds.handle)
	if err != nil {
		log.Error("Failed ipc server", "err", err)
		os.Exit(1)
	}
	defer srv.Close()

	log.Info("Boot up - successful", "socket", cfg.Socket)

	<-ctx.Done()
	log.Info("Shutting down")
	if wake != nil {
		wake.Deactivate()
	}
	<-done
}

// newBackend picks the remote service when a backend url is configured and
// the local assistant otherwise.
func newBackend(cfg config.Config, hc *http.Client) (session.Inference, session.HistorySource, func(), error) {
	if cfg.BackendURL != "" {
		client, err := remote.NewClient(cfg.BackendURL, hc)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("Using remote backend", "url", cfg.BackendURL)
		return client, client, func() {}, nil
	}

	svc, err := assistant.New(
		assistant.NewOpenAI(cfg.APIKey, cfg.Model, hc),
		tts.NewEspeak(cfg.TTSVoice),
		assistant.Options{},
	)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info("Using local assistant", "model", cfg.Model)
	return svc, svc, svc.Close, nil
}
