package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
)

const (
	renderSampleRate  = beep.SampleRate(44100)
	speakerBufferSize = 250 * time.Millisecond
	timeUpdateTick    = 500 * time.Millisecond
	minVolumeDB       = -10.0
)

var speakerOnce sync.Once

// BeepResource renders progressive MP3 payloads through the beep speaker.
// It satisfies the Resource contract for both http(s) URLs and file paths
// produced by the offline blob store.
type BeepResource struct {
	mu sync.Mutex

	client *http.Client

	streamer   beep.StreamSeeker
	sampleRate beep.SampleRate
	ctrl       *beep.Ctrl
	volume     *effects.Volume

	level   float64
	handler Handler
	closed  bool
	playing bool

	tickerStop chan struct{}
}

// NewBeepResource creates an unbound beep resource.
func NewBeepResource(timeout time.Duration) *BeepResource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BeepResource{
		client: &http.Client{Timeout: timeout},
		level:  1.0,
	}
}

// BeepFactory returns a media.Factory producing beep resources.
func BeepFactory(timeout time.Duration) Factory {
	return func() Resource {
		return NewBeepResource(timeout)
	}
}

// Load fetches and decodes the URL, replacing any previous stream.
func (r *BeepResource) Load(url string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("media: resource closed")
	}
	r.stopLocked()
	r.mu.Unlock()

	r.emit(Event{Kind: EventWaiting})

	payload, err := r.fetch(url)
	if err != nil {
		return err
	}

	streamer, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(payload)))
	if err != nil {
		return fmt.Errorf("media: decode stream: %w", err)
	}

	speakerOnce.Do(func() {
		_ = speaker.Init(renderSampleRate, renderSampleRate.N(speakerBufferSize))
	})

	r.mu.Lock()
	r.streamer = streamer
	r.sampleRate = format.SampleRate

	var rendered beep.Streamer = streamer
	if format.SampleRate != renderSampleRate {
		rendered = beep.Resample(4, format.SampleRate, renderSampleRate, streamer)
	}

	sequence := beep.Seq(rendered, beep.Callback(func() {
		r.handleEnded()
	}))
	r.ctrl = &beep.Ctrl{Streamer: sequence, Paused: true}
	r.volume = &effects.Volume{
		Streamer: r.ctrl,
		Base:     2,
		Volume:   levelToVolume(r.level),
		Silent:   r.level <= 0,
	}
	duration := r.sampleRate.D(streamer.Len())
	r.mu.Unlock()

	speaker.Play(r.volume)

	r.emit(Event{Kind: EventLoadedMetadata, Duration: duration})
	r.emit(Event{Kind: EventCanPlay, Duration: duration})
	return nil
}

func (r *BeepResource) fetch(url string) ([]byte, error) {
	switch {
	case strings.HasPrefix(url, "file://"):
		data, err := os.ReadFile(strings.TrimPrefix(url, "file://"))
		if err != nil {
			return nil, fmt.Errorf("media: read local payload: %w", err)
		}
		return data, nil
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		resp, err := r.client.Get(url)
		if err != nil {
			return nil, fmt.Errorf("media: fetch payload: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("media: fetch payload: status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("media: read payload: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("media: unsupported url scheme: %s", url)
	}
}

// Play starts or resumes playback.
func (r *BeepResource) Play() error {
	r.mu.Lock()
	if r.ctrl == nil {
		r.mu.Unlock()
		return errors.New("media: nothing loaded")
	}
	speaker.Lock()
	r.ctrl.Paused = false
	speaker.Unlock()
	r.playing = true
	r.startTickerLocked()
	r.mu.Unlock()
	return nil
}

// Pause suspends playback without releasing the stream.
func (r *BeepResource) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctrl == nil {
		return errors.New("media: nothing loaded")
	}
	speaker.Lock()
	r.ctrl.Paused = true
	speaker.Unlock()
	r.playing = false
	r.stopTickerLocked()
	return nil
}

// Position returns the current playback position.
func (r *BeepResource) Position() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streamer == nil {
		return 0
	}
	speaker.Lock()
	pos := r.streamer.Position()
	speaker.Unlock()
	return r.sampleRate.D(pos)
}

// SetPosition seeks within the loaded stream.
func (r *BeepResource) SetPosition(pos time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streamer == nil {
		return errors.New("media: nothing loaded")
	}
	target := r.sampleRate.N(pos)
	speaker.Lock()
	defer speaker.Unlock()
	if target < 0 {
		target = 0
	}
	if target > r.streamer.Len() {
		target = r.streamer.Len()
	}
	return r.streamer.Seek(target)
}

// Duration returns the total stream duration.
func (r *BeepResource) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streamer == nil {
		return 0
	}
	return r.sampleRate.D(r.streamer.Len())
}

// Volume returns the current volume level (0.0 to 1.0).
func (r *BeepResource) Volume() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

// SetVolume sets the volume level, clamped to [0, 1].
func (r *BeepResource) SetVolume(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.level = level
	if r.volume != nil {
		speaker.Lock()
		r.volume.Volume = levelToVolume(level)
		r.volume.Silent = level <= 0
		speaker.Unlock()
	}
}

// OnEvent registers the event handler.
func (r *BeepResource) OnEvent(handler Handler) {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
}

// Close releases the stream and stops event delivery.
func (r *BeepResource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.stopLocked()
	r.handler = nil
	return nil
}

func (r *BeepResource) stopLocked() {
	r.stopTickerLocked()
	if r.volume != nil {
		speaker.Lock()
		r.ctrl.Paused = true
		r.ctrl.Streamer = nil
		speaker.Unlock()
	}
	r.streamer = nil
	r.ctrl = nil
	r.volume = nil
	r.playing = false
}

func (r *BeepResource) startTickerLocked() {
	if r.tickerStop != nil {
		return
	}
	stop := make(chan struct{})
	r.tickerStop = stop

	go func() {
		ticker := time.NewTicker(timeUpdateTick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.emit(Event{
					Kind:     EventTimeUpdate,
					Position: r.Position(),
					Duration: r.Duration(),
				})
			}
		}
	}()
}

func (r *BeepResource) stopTickerLocked() {
	if r.tickerStop != nil {
		close(r.tickerStop)
		r.tickerStop = nil
	}
}

func (r *BeepResource) handleEnded() {
	r.mu.Lock()
	r.playing = false
	r.stopTickerLocked()
	r.mu.Unlock()
	r.emit(Event{Kind: EventEnded})
}

func (r *BeepResource) emit(event Event) {
	r.mu.Lock()
	handler := r.handler
	closed := r.closed
	r.mu.Unlock()
	if handler != nil && !closed {
		handler(event)
	}
}

// levelToVolume converts a 0.0-1.0 level to beep's logarithmic Volume value:
// 1.0 -> 0, 0.5 -> -1, 0.25 -> -2, 0 -> effectively silent.
func levelToVolume(level float64) float64 {
	if level <= 0 {
		return minVolumeDB
	}
	if level >= 1 {
		return 0
	}
	return math.Log2(level)
}
