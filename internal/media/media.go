// Package media retrieves audio for transcription over HTTP (including
// MinIO-compatible object stores with path-style addressing) and adapts the
// external probe/chunk plumbing to the task handlers' AudioSource
// interface. Decoding and chunk-splitting themselves are delegated: the
// worker injects an ffmpeg-style prober and splitter; absent one, media
// passes through unprobed as a single chunk.
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/jordanhubbard/mlcore/internal/tasks"
)

// downloadTimeout bounds one media download, streaming included.
const downloadTimeout = 60 * time.Second

// maxDownloadBytes caps a single media file read into memory.
const maxDownloadBytes = 512 << 20

// Prober reports a decoded file's duration and mean volume.
type Prober interface {
	Probe(ctx context.Context, data []byte, filename string) (durationSeconds, meanVolumeDB float64, err error)
}

// Splitter cuts decoded audio into bounded-duration chunks.
type Splitter interface {
	Split(ctx context.Context, a tasks.Audio, maxSeconds float64) ([]tasks.AudioChunk, error)
}

// Source implements tasks.AudioSource over HTTP.
type Source struct {
	client   *http.Client
	headers  map[string]string
	prober   Prober
	splitter Splitter
}

// Option configures a Source.
type Option func(*Source)

// WithHTTPClient substitutes the HTTP client (for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithHeaders adds static request headers (e.g. object-store credentials).
func WithHeaders(h map[string]string) Option {
	return func(s *Source) { s.headers = h }
}

// WithProber injects the duration/volume prober.
func WithProber(p Prober) Option {
	return func(s *Source) { s.prober = p }
}

// WithSplitter injects the chunk splitter.
func WithSplitter(sp Splitter) Option {
	return func(s *Source) { s.splitter = sp }
}

// New builds a Source.
func New(opts ...Option) *Source {
	s := &Source{
		client: &http.Client{Timeout: downloadTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Fetch streams the media at mediaURL into memory and, when a prober is
// configured, annotates it with duration and mean volume. Without a prober
// the volume is reported as 0 dB so the silence gate never false-positives.
func (s *Source) Fetch(ctx context.Context, mediaURL string) (tasks.Audio, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return tasks.Audio{}, fmt.Errorf("create media request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return tasks.Audio{}, fmt.Errorf("fetch media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return tasks.Audio{}, fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return tasks.Audio{}, fmt.Errorf("read media body: %w", err)
	}

	audio := tasks.Audio{
		Data:     data,
		Filename: filenameFrom(mediaURL),
	}
	if s.prober != nil {
		duration, volume, err := s.prober.Probe(ctx, data, audio.Filename)
		if err != nil {
			return tasks.Audio{}, fmt.Errorf("probe media: %w", err)
		}
		audio.DurationSeconds = duration
		audio.MeanVolumeDB = volume
	}
	return audio, nil
}

// Chunk splits audio through the configured splitter, or passes it through
// as a single chunk when none is configured or the audio already fits.
func (s *Source) Chunk(ctx context.Context, a tasks.Audio, maxSeconds float64) ([]tasks.AudioChunk, error) {
	if s.splitter != nil && a.DurationSeconds > maxSeconds {
		return s.splitter.Split(ctx, a, maxSeconds)
	}
	return []tasks.AudioChunk{{
		Data:            a.Data,
		Filename:        a.Filename,
		OffsetSeconds:   0,
		DurationSeconds: a.DurationSeconds,
	}}, nil
}

func filenameFrom(mediaURL string) string {
	trimmed := strings.SplitN(mediaURL, "?", 2)[0]
	if u, err := url.Parse(trimmed); err == nil {
		trimmed = u.Path
	}
	name := path.Base(trimmed)
	if name == "." || name == "/" || name == "" {
		return "audio"
	}
	return name
}
