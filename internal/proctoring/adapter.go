// Package proctoring turns the output of an external per-frame classifier into
// integrity signals for the violation monitor.
package proctoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Alert is one proctoring finding for a frame.
type Alert string

const (
	AlertNoFace        Alert = "NO_FACE_DETECTED"
	AlertMultipleFaces Alert = "MULTIPLE_FACES"
	AlertDevice        Alert = "DEVICE_DETECTED"
)

// DefaultRepeatAfter is how long a persisting alert stays quiet before it is
// reported again.
const DefaultRepeatAfter = 10 * time.Second

var (
	// ErrCapabilityDenied means the camera feed could not be opened.
	ErrCapabilityDenied = errors.New("proctoring: camera feed unavailable")
	// ErrNotAcquired is returned by Run before a successful Acquire.
	ErrNotAcquired = errors.New("proctoring: feed not acquired")
)

// Detection is the classifier's verdict for a single frame.
type Detection struct {
	FaceCount             int `json:"face_count" validate:"min=0"`
	ProhibitedDeviceCount int `json:"prohibited_device_count" validate:"min=0"`
}

// Frame is one captured video frame. A frame may already carry a detection
// computed on the client, in which case the classifier is skipped.
type Frame struct {
	At        time.Time
	Image     []byte
	Detection *Detection
}

// Classifier is the external face/object recognition model.
type Classifier interface {
	Classify(ctx context.Context, f Frame) (Detection, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, f Frame) (Detection, error)

func (fn ClassifierFunc) Classify(ctx context.Context, f Frame) (Detection, error) {
	return fn(ctx, f)
}

// FrameSource is the camera capability. Open fails when the candidate has
// not granted access.
type FrameSource interface {
	Open(ctx context.Context) (<-chan Frame, error)
	Close() error
}

// Reporter receives integrity signals. violation.Monitor satisfies it.
type Reporter interface {
	Report(kind model.ViolationKind, detail string) bool
}

// Evaluate applies the alert policy to one detection.
func Evaluate(d Detection) []Alert {
	var alerts []Alert
	switch {
	case d.FaceCount == 0:
		alerts = append(alerts, AlertNoFace)
	case d.FaceCount > 1:
		alerts = append(alerts, AlertMultipleFaces)
	}
	if d.ProhibitedDeviceCount > 0 {
		alerts = append(alerts, AlertDevice)
	}
	return alerts
}

// Options configures an Adapter.
type Options struct {
	RepeatAfter time.Duration
	Clock       func() time.Time
}

// Adapter owns the camera capability for one attempt.
type Adapter struct {
	source     FrameSource
	classifier Classifier
	reporter   Reporter
	opts       Options
	log        zerolog.Logger

	mu       sync.Mutex
	frames   <-chan Frame
	acquired bool
	released bool
	// lastSeen is when each alert was last reported.
	lastSeen map[Alert]time.Time
}

// NewAdapter creates an Adapter. classifier may be nil when every frame
// carries a client-side detection.
func NewAdapter(source FrameSource, classifier Classifier, reporter Reporter, opts Options, log zerolog.Logger) *Adapter {
	if opts.RepeatAfter <= 0 {
		opts.RepeatAfter = DefaultRepeatAfter
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Adapter{
		source:     source,
		classifier: classifier,
		reporter:   reporter,
		opts:       opts,
		log:        log.With().Str("component", "proctoring_adapter").Logger(),
		lastSeen:   make(map[Alert]time.Time),
	}
}

// Acquire opens the camera feed.
func (a *Adapter) Acquire(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.acquired {
		return nil
	}
	if a.released {
		return ErrCapabilityDenied
	}
	frames, err := a.source.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCapabilityDenied, err)
	}
	a.frames = frames
	a.acquired = true
	a.log.Info().Msg("Camera feed acquired")
	return nil
}

// Run consumes frames until ctx is done or the feed closes.
func (a *Adapter) Run(ctx context.Context) error {
	a.mu.Lock()
	frames := a.frames
	a.mu.Unlock()
	if frames == nil {
		return ErrNotAcquired
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				a.log.Debug().Msg("Camera feed closed")
				return nil
			}
			if _, err := a.Observe(ctx, f); err != nil {
				a.log.Warn().Err(err).Msg("Frame classification failed")
			}
		}
	}
}

// Observe classifies one frame and reports the alerts that are new or have
// persisted past RepeatAfter. It returns every alert raised by the frame.
func (a *Adapter) Observe(ctx context.Context, f Frame) ([]Alert, error) {
	var d Detection
	switch {
	case f.Detection != nil:
		d = *f.Detection
	case a.classifier != nil:
		var err error
		d, err = a.classifier.Classify(ctx, f)
		if err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}

	alerts := Evaluate(d)
	now := f.At
	if now.IsZero() {
		now = a.opts.Clock()
	}

	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return alerts, nil
	}
	active := make(map[Alert]bool, len(alerts))
	var fire []Alert
	for _, al := range alerts {
		active[al] = true
		last, seen := a.lastSeen[al]
		if !seen || now.Sub(last) >= a.opts.RepeatAfter {
			a.lastSeen[al] = now
			fire = append(fire, al)
		}
	}
	// A cleared alert fires immediately the next time it appears.
	for al := range a.lastSeen {
		if !active[al] {
			delete(a.lastSeen, al)
		}
	}
	a.mu.Unlock()

	for _, al := range fire {
		a.reporter.Report(model.ViolationProctoringAlert, string(al))
	}
	return alerts, nil
}

// Release closes the feed. It is safe to call more than once.
func (a *Adapter) Release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	wasAcquired := a.acquired
	a.mu.Unlock()

	if wasAcquired {
		if err := a.source.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Close camera feed")
		}
		a.log.Info().Msg("Camera feed released")
	}
}

// Describe renders alerts for logs and the candidate banner.
func Describe(alerts []Alert) string {
	parts := make([]string, len(alerts))
	for i, al := range alerts {
		parts[i] = string(al)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
