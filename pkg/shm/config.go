/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/fastpub/pkg/audit"
)

const (
	defaultShmDir            = "/dev/shm"
	defaultOpenRetryInterval = 10 * time.Millisecond
	defaultReadyPollInterval = 10 * time.Millisecond
	defaultWaitSlice         = 50 * time.Millisecond
	maxNameLen               = 255
)

// RemovalPolicy decides who removes the named object.
type RemovalPolicy int

const (
	// RetainOnClose leaves the named object in place when the publisher
	// closes; removal is left to external tooling or Unlink.
	RetainOnClose RemovalPolicy = iota
	// UnlinkOnClose makes the publisher's Close remove the named object.
	// Mapped subscribers keep working; new subscribers wait for a new
	// publisher.
	UnlinkOnClose
)

func (p RemovalPolicy) String() string {
	switch p {
	case RetainOnClose:
		return "retain"
	case UnlinkOnClose:
		return "unlink"
	}
	return fmt.Sprintf("RemovalPolicy(%d)", int(p))
}

// Config holds the knobs shared by publishers and subscribers.
type Config struct {
	// Dir is where named segments live. Defaults to /dev/shm, or to
	// $FASTPUB_SHM_DIR when set.
	Dir string
	// Perm is the permission used when the publisher creates the object.
	Perm os.FileMode
	// Removal is applied by the publisher's Close.
	Removal RemovalPolicy
	// CheckFreeSpace makes the publisher verify Dir has room before
	// creating the segment.
	CheckFreeSpace bool

	// OpenRetryInterval is the sleep between subscriber attempts to open a
	// segment that does not exist or is not sized yet.
	OpenRetryInterval time.Duration
	// ReadyPollInterval is the sleep between subscriber polls of the
	// readiness sentinel.
	ReadyPollInterval time.Duration
	// WaitSlice bounds each kernel sleep of WaitForUpdate so cancellation
	// and Close are noticed promptly.
	WaitSlice time.Duration

	// ExpectedBufferSize and ExpectedSubscriberCapacity, when non-zero, are
	// checked by subscribers against the values the publisher recorded.
	ExpectedBufferSize         uint32
	ExpectedSubscriberCapacity uint32

	Metrics *Metrics
	Tracer  trace.Tracer
	Meter   metric.Meter
	Audit   audit.Logger
}

// DefaultConfig returns a Config with the default values.
func DefaultConfig() *Config {
	dir := defaultShmDir
	if env := os.Getenv("FASTPUB_SHM_DIR"); env != "" {
		dir = env
	}
	return &Config{
		Dir:               dir,
		Perm:              0o660,
		Removal:           RetainOnClose,
		CheckFreeSpace:    true,
		OpenRetryInterval: defaultOpenRetryInterval,
		ReadyPollInterval: defaultReadyPollInterval,
		WaitSlice:         defaultWaitSlice,
	}
}

// VerifyConfig is used to check the config.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if config.Dir == "" {
		return fmt.Errorf("%w: Dir must be set", ErrInvalidConfig)
	}
	if config.OpenRetryInterval <= 0 {
		return fmt.Errorf("%w: OpenRetryInterval must be positive, got %v", ErrInvalidConfig, config.OpenRetryInterval)
	}
	if config.ReadyPollInterval <= 0 {
		return fmt.Errorf("%w: ReadyPollInterval must be positive, got %v", ErrInvalidConfig, config.ReadyPollInterval)
	}
	if config.WaitSlice <= 0 {
		return fmt.Errorf("%w: WaitSlice must be positive, got %v", ErrInvalidConfig, config.WaitSlice)
	}
	switch config.Removal {
	case RetainOnClose, UnlinkOnClose:
	default:
		return fmt.Errorf("%w: unknown removal policy %v", ErrInvalidConfig, config.Removal)
	}
	return nil
}

func prepareConfig(config *Config) (*Config, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// segmentPath maps a POSIX style shm name ("/foo" or "foo") into Dir.
func segmentPath(dir, name string) (string, error) {
	base := strings.TrimPrefix(name, "/")
	switch {
	case base == "", base == ".", base == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsRune(base, '/'):
		return "", fmt.Errorf("%w: %q contains a slash", ErrInvalidName, name)
	case len(base) > maxNameLen:
		return "", fmt.Errorf("%w: %q longer than %d bytes", ErrInvalidName, name, maxNameLen)
	}
	return filepath.Join(dir, base), nil
}
