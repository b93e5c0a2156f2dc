package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAgentID             = errors.New("no agent ID provided")
	ErrNoEndpoint            = errors.New("no endpoint provided")
	ErrClientClosed          = errors.New("client closed")
	ErrNotConnected          = errors.New("not connected")
	ErrNoEventHandler        = errors.New("no event handler provided")
	ErrNoResultHandler       = errors.New("no result handler provided")
	ErrNoDevice              = errors.New("no output device provided")
	ErrNoPlayer              = errors.New("no audio player registered")
	ErrNoRecognizer          = errors.New("no recognizer registered")
	ErrNoCapture             = errors.New("no capture registered")
	ErrNoUI                  = errors.New("no UI registered")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrPlayerAlreadySet      = errors.New("audio player already set")
	ErrRecognizerAlreadySet  = errors.New("recognizer already set")
	ErrCaptureAlreadySet     = errors.New("capture already set")
	ErrUIAlreadySet          = errors.New("UI already set")
	ErrMalformedFragment     = errors.New("malformed audio fragment")
	ErrMalformedResult       = errors.New("malformed recognition result")
)
