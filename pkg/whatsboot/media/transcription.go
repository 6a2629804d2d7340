package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"
)

// TranscriptionErrorKind classifies transcription failures.
type TranscriptionErrorKind string

const (
	TranscriptionUnconfigured  TranscriptionErrorKind = "unconfigured"
	TranscriptionAuthInvalid   TranscriptionErrorKind = "auth_invalid"
	TranscriptionEmpty         TranscriptionErrorKind = "empty"
	TranscriptionTooLarge      TranscriptionErrorKind = "too_large"
	TranscriptionRateLimited   TranscriptionErrorKind = "rate_limited"
	TranscriptionSourceMissing TranscriptionErrorKind = "source_missing"
	TranscriptionOther         TranscriptionErrorKind = "other"
)

// userMessages are sent to the participant when a voice note fails.
var userMessages = map[TranscriptionErrorKind]string{
	TranscriptionUnconfigured:  "Error de configuración del servicio. Por favor, contacta al administrador.",
	TranscriptionAuthInvalid:   "Error de autenticación del servicio. Por favor, contacta al administrador.",
	TranscriptionEmpty:         "No se pudo extraer texto del audio. Por favor, intenta con un audio más claro.",
	TranscriptionTooLarge:      "El audio es demasiado largo. Por favor, envía un mensaje más corto.",
	TranscriptionRateLimited:   "Hemos alcanzado el límite de solicitudes. Por favor, intenta más tarde.",
	TranscriptionSourceMissing: "Hubo un problema al procesar el archivo de audio. Por favor, intenta de nuevo.",
	TranscriptionOther:         "Hubo un problema al procesar el audio. Por favor, intenta de nuevo.",
}

// UserMessage returns the participant-facing text for a kind.
func (k TranscriptionErrorKind) UserMessage() string {
	if msg, ok := userMessages[k]; ok {
		return msg
	}
	return userMessages[TranscriptionOther]
}

// TranscriptionError is returned by Transcription.Transcribe.
type TranscriptionError struct {
	Kind TranscriptionErrorKind
	Err  error
}

func (e *TranscriptionError) Error() string {
	if e.Err == nil {
		return "transcription " + string(e.Kind)
	}
	return fmt.Sprintf("transcription %s: %v", e.Kind, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// UserMessage returns the participant-facing text for the error.
func (e *TranscriptionError) UserMessage() string { return e.Kind.UserMessage() }

// Provider errors. Speech-to-text providers wrap these so the transcription
// path can classify failures without knowing the provider.
var (
	ErrProviderUnconfigured = errors.New("transcription provider not configured")
	ErrProviderAuth         = errors.New("transcription provider rejected credentials")
	ErrProviderRateLimited  = errors.New("transcription provider rate limited")
	ErrAudioTooLarge        = errors.New("audio file is too large")
)

// AudioFile is a scratch file handed to a Provider.
type AudioFile struct {
	Path     string
	MimeType string
	Language string
}

// Provider converts an audio file into text.
type Provider interface {
	Transcribe(ctx context.Context, audio AudioFile) (string, error)
}

// TranscriptionConfig configures the transcription path.
type TranscriptionConfig struct {
	// ScratchDir holds audio files while the provider reads them.
	ScratchDir string `yaml:"scratch_dir"`

	// Language is the hint passed to the provider.
	Language string `yaml:"language"`

	// MaxAudioBytes rejects larger voice notes before calling the provider.
	MaxAudioBytes int64 `yaml:"max_audio_bytes"`

	// Timeout bounds one provider call.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultTranscriptionConfig returns the defaults.
func DefaultTranscriptionConfig() TranscriptionConfig {
	return TranscriptionConfig{
		ScratchDir:    os.TempDir(),
		Language:      "es",
		MaxAudioBytes: 25 * 1024 * 1024, // provider upload limit
		Timeout:       30 * time.Second,
	}
}

// Effective fills zero values with defaults.
func (c TranscriptionConfig) Effective() TranscriptionConfig {
	def := DefaultTranscriptionConfig()
	if c.ScratchDir == "" {
		c.ScratchDir = def.ScratchDir
	}
	if c.Language == "" {
		c.Language = def.Language
	}
	if c.MaxAudioBytes <= 0 {
		c.MaxAudioBytes = def.MaxAudioBytes
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// ScratchPrefix is the filename prefix of scratch audio files.
const ScratchPrefix = "audio_"

// Transcription converts voice-note bytes into text through a Provider.
type Transcription struct {
	cfg      TranscriptionConfig
	provider Provider
	logger   *slog.Logger
}

// NewTranscription creates the transcription path. provider may be nil,
// in which case every call fails as unconfigured.
func NewTranscription(cfg TranscriptionConfig, provider Provider, logger *slog.Logger) *Transcription {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcription{
		cfg:      cfg.Effective(),
		provider: provider,
		logger:   logger.With("component", "transcription"),
	}
}

// Transcribe writes data to a scratch file, asks the provider for the
// transcript and removes the file on every path. Errors are always
// *TranscriptionError.
func (t *Transcription) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	if t.provider == nil {
		return "", &TranscriptionError{Kind: TranscriptionUnconfigured, Err: ErrProviderUnconfigured}
	}
	if len(data) == 0 {
		return "", &TranscriptionError{Kind: TranscriptionSourceMissing, Err: errors.New("empty audio payload")}
	}
	if int64(len(data)) > t.cfg.MaxAudioBytes {
		return "", &TranscriptionError{
			Kind: TranscriptionTooLarge,
			Err:  fmt.Errorf("%w: %d bytes", ErrAudioTooLarge, len(data)),
		}
	}
	if mimeType == "" {
		mimeType = "audio/ogg"
	}

	path, err := writeScratch(t.cfg.ScratchDir, data)
	if err != nil {
		return "", &TranscriptionError{Kind: TranscriptionOther, Err: fmt.Errorf("writing scratch audio: %w", err)}
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			t.logger.Warn("transcription: failed to remove scratch file", "path", path, "error", err)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	text, err := t.provider.Transcribe(callCtx, AudioFile{
		Path:     path,
		MimeType: mimeType,
		Language: t.cfg.Language,
	})
	if err != nil {
		kind := ClassifyTranscriptionError(err)
		t.logger.Warn("transcription: provider failed", "kind", kind, "error", err)
		return "", &TranscriptionError{Kind: kind, Err: err}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", &TranscriptionError{Kind: TranscriptionEmpty}
	}

	t.logger.Debug("transcription: done", "bytes", len(data), "chars", len(text))
	return text, nil
}

// writeScratch stores data in a uniquely named file under dir.
func writeScratch(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ScratchPrefix+"*.ogg")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// ClassifyTranscriptionError maps a provider error to a kind.
func ClassifyTranscriptionError(err error) TranscriptionErrorKind {
	var te *TranscriptionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return te.Kind
	case errors.Is(err, ErrProviderUnconfigured):
		return TranscriptionUnconfigured
	case errors.Is(err, ErrProviderAuth):
		return TranscriptionAuthInvalid
	case errors.Is(err, ErrProviderRateLimited):
		return TranscriptionRateLimited
	case errors.Is(err, ErrAudioTooLarge),
		strings.Contains(strings.ToLower(err.Error()), "audio file is too large"):
		return TranscriptionTooLarge
	case errors.Is(err, fs.ErrNotExist):
		return TranscriptionSourceMissing
	}
	return TranscriptionOther
}
