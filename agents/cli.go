package agents

import (
	"context"
	"errors"
	"sync"

	"github.com/bt-bridge/convai-speaker/playback"
	"github.com/bt-bridge/convai-speaker/recognition"
	"github.com/bt-bridge/convai-speaker/shared"
	"github.com/bt-bridge/convai-speaker/tools"
	"go.uber.org/zap"
)

var (
	_ Player             = (*playback.Engine)(nil)
	_ Recognizer         = (*recognition.Client)(nil)
	_ Capture            = (*tools.MicCapture)(nil)
	_ TranscriptObserver = (*PrinterUI)(nil)
	_ StatusObserver     = (*PrinterUI)(nil)
	_ URLOpener          = (*PrinterUI)(nil)
	_ playback.Device    = (*tools.OtoDevice)(nil)
)

// CLIAgent runs one conversation from the terminal: default microphone in,
// default speakers out, status on the printer.
type CLIAgent struct {
	logger     shared.LoggerAdapter
	printer    *shared.Printer
	ui         *PrinterUI
	device     *tools.OtoDevice
	engine     *playback.Engine
	recognizer *recognition.Client
	capture    *tools.MicCapture
	conv       *Conversation

	mu     sync.Mutex
	closed bool
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *shared.Config,
	printer *shared.Printer,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	a.logger = logger
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.printer = printer
	a.ui = NewPrinterUI(logger, printer)
	a.logger.Info("spawning CLI agent", zap.String("agentId", cfg.Agent.ID))
	a.println("🤖 Spawning CLI agent...\n", 0)

	a.println("📋 Config\n", 0)
	yamlBytes, err := cfg.YAML()
	if err != nil {
		a.logger.Error("marshaling config to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing config", err)
		return err
	}

	// Speakers
	a.println("\n🔈 Opening audio output...", 0)
	a.device, err = tools.NewOtoDevice(a.logger, cfg.Playback)
	if err != nil {
		a.logger.Error("opening audio output", err)
		a.println("❌ Unable to open the audio output device.\n", 0)
		return err
	}
	a.engine, err = playback.NewEngine(a.logger, a.device, a.ui.PlaybackState)
	if err != nil {
		a.logger.Error("creating playback engine", err)
		return err
	}
	a.println("✅ Audio output ready.\n", 0)

	// Microphone, opened per session by the conversation
	a.capture, err = tools.NewMicCapture(a.logger, cfg.Capture)
	if err != nil {
		a.logger.Error("creating microphone capture", err)
		return err
	}

	a.conv, err = NewConversation(ctx, a.logger, cfg.Agent, nil)
	if err != nil {
		a.logger.Error("creating conversation", err)
		return err
	}

	a.recognizer, err = recognition.NewClient(a.logger, cfg.Recognition, a.conv.HandleRecognitionResult)
	if err != nil {
		a.logger.Error("creating speaker recognition client", err)
		return err
	}
	if err := a.recognizer.RegisterConnectionHandler(a.ui.RecognitionState); err != nil {
		a.logger.Error("registering recognition connection handler", err)
		return err
	}

	for _, register := range []func() error{
		func() error { return a.conv.RegisterPlayer(a.engine) },
		func() error { return a.conv.RegisterRecognizer(a.recognizer) },
		func() error { return a.conv.RegisterCapture(a.capture) },
		func() error { return a.conv.RegisterUI(a.ui) },
	} {
		if err := register(); err != nil {
			a.logger.Error("wiring conversation", err)
			return err
		}
	}

	a.println("🎤 Accessing microphone and connecting...", 0)
	if err := a.conv.Start(); err != nil {
		a.logger.Error("starting conversation", err)
		a.println("❌ Unable to start the conversation.\n", 0)
		return err
	}
	return nil
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing status line", err)
	}
}

// Done is closed once the conversation has ended, or the agent is closed.
func (a *CLIAgent) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-a.ui.Ended():
		case <-a.conv.Done():
		}
	}()
	return done
}

// Close ends the conversation and releases the audio output.
func (a *CLIAgent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	if a.logger == nil {
		return nil
	}

	var errs []error
	if a.conv != nil {
		errs = append(errs, a.conv.Close())
	}
	if a.device != nil {
		errs = append(errs, a.device.Close())
	}
	a.logger.Info("CLI agent closed")
	return errors.Join(errs...)
}
