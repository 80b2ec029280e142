// Package health exposes liveness and readiness probes for open fastpub
// channels through heptiolabs/healthcheck.
//
// A channel is live while its handle is open and the segment carries the
// readiness sentinel. It is ready while a live process owns the publisher
// role and the slot pool can accept another commit.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	internalshm "github.com/srediag/fastpub/internal/shm"
	"github.com/srediag/fastpub/pkg/shm"
)

var (
	// ErrNotMapped fails liveness for a closed handle or an unformatted segment.
	ErrNotMapped = errors.New("segment not mapped or not ready")
	// ErrNoPublisher fails readiness when no live process owns the publisher role.
	ErrNoPublisher = errors.New("no live publisher")
)

// Target is a channel handle; both *shm.Publisher and *shm.Subscriber
// satisfy it.
type Target interface {
	Name() string
	Ready() bool
	Stats() (shm.Stats, error)
}

// Options configures NewHandler.
type Options struct {
	// Registry, when set, also exports every check as a prometheus gauge.
	Registry prometheus.Registerer
	// Namespace of the exported gauges. Defaults to "fastpub".
	Namespace string
	// Timeout bounds a single check run. Zero disables it.
	Timeout time.Duration
}

// NewHandler returns a healthcheck handler serving /live and /ready for the
// given channels.
func NewHandler(opts Options, targets ...Target) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Registry != nil {
		ns := opts.Namespace
		if ns == "" {
			ns = "fastpub"
		}
		h = healthcheck.NewMetricsHandler(opts.Registry, ns)
	} else {
		h = healthcheck.NewHandler()
	}
	for _, t := range targets {
		Register(h, t, opts.Timeout)
	}
	return h
}

// Register adds the checks of t to h. Check names are prefixed with the
// channel name.
func Register(h healthcheck.Handler, t Target, timeout time.Duration) {
	wrap := func(c healthcheck.Check) healthcheck.Check {
		if timeout > 0 {
			return healthcheck.Timeout(c, timeout)
		}
		return c
	}
	h.AddLivenessCheck(t.Name()+"-mapped", wrap(MappedCheck(t)))
	h.AddReadinessCheck(t.Name()+"-publisher", wrap(PublisherCheck(t)))
	h.AddReadinessCheck(t.Name()+"-pool", wrap(PoolCheck(t)))
}

// MappedCheck passes while t is open and its segment is formatted.
func MappedCheck(t Target) healthcheck.Check {
	return func() error {
		if !t.Ready() {
			return fmt.Errorf("%s: %w", t.Name(), ErrNotMapped)
		}
		return nil
	}
}

// PublisherCheck passes while the recorded publisher process is alive.
func PublisherCheck(t Target) healthcheck.Check {
	return func() error {
		st, err := t.Stats()
		if err != nil {
			return err
		}
		if st.PublisherPID == 0 || !internalshm.ProcessAlive(st.PublisherPID) {
			return fmt.Errorf("%s: %w (pid %d)", t.Name(), ErrNoPublisher, st.PublisherPID)
		}
		return nil
	}
}

// PoolCheck fails when the next commit would return shm.ErrPoolExhausted.
func PoolCheck(t Target) healthcheck.Check {
	return func() error {
		st, err := t.Stats()
		if err != nil {
			return err
		}
		if st.FreeSlots == 0 && st.Current < uint32(len(st.Refcounts)) && st.Refcounts[st.Current] > 1 {
			return fmt.Errorf("%s: %w: %d readers hold the current value",
				t.Name(), shm.ErrPoolExhausted, st.Refcounts[st.Current]-1)
		}
		return nil
	}
}
