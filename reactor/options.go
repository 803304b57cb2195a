// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package reactor

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// HangupPolicy decides what the loop does with an entry whose dispatch
// reported [EventHangup] or [EventError].
type HangupPolicy uint8

const (
	// HangupRemove removes the entry once its callback returns. Default.
	HangupRemove HangupPolicy = iota
	// HangupIgnore leaves removal to the callback.
	HangupIgnore
)

const (
	defaultTickInterval = 10 * time.Millisecond
	defaultMaxEvents    = 256
)

// loopOptions holds configuration options for EventLoop creation.
type loopOptions struct {
	logger    *logiface.Logger[logiface.Event]
	levels    []uint
	tick      time.Duration
	maxEvents int
	hangup    HangupPolicy
}

// --- Loop Options ---

// LoopOption configures an EventLoop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the structured logger used for callback panics, failed
// asynchronous registrations and lifecycle events. A nil logger disables
// logging, which is also the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithTickInterval sets the timing wheel granularity, which is also the
// period of the loop's expire source. Defaults to 10ms.
func WithTickInterval(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return errors.New("reactor: tick interval must be positive")
		}
		opts.tick = d
		return nil
	}}
}

// WithWheelLevels sets the timing wheel layout, as bits per level, finest
// first. See [timerwheel.Config].
func WithWheelLevels(bits ...uint) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.levels = append([]uint(nil), bits...)
		return nil
	}}
}

// WithMaxEvents sets how many readiness events a single wait may return.
func WithMaxEvents(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("reactor: max events must be positive")
		}
		opts.maxEvents = n
		return nil
	}}
}

// WithHangupPolicy sets the [HangupPolicy], defaults to [HangupRemove].
func WithHangupPolicy(policy HangupPolicy) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.hangup = policy
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		tick:      defaultTickInterval,
		maxEvents: defaultMaxEvents,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- Entry Options ---

// entryOptions holds the optional parts of a registration.
type entryOptions struct {
	onEnd        func()
	onRegistered func(EntryID)
	timeout      time.Duration
	hasEnd       bool
}

// EntryOption configures a single registration, see [EventLoop.Assign] and
// [EventLoop.Upgrade].
type EntryOption func(*entryOptions)

// WithEnd sets the end callback, run exactly once when the entry is removed,
// whatever the cause. On Upgrade it replaces the previous end callback.
func WithEnd(fn func()) EntryOption {
	return func(opts *entryOptions) {
		opts.onEnd = fn
		opts.hasEnd = true
	}
}

// WithTimeout removes the entry if it is still registered after d. Callbacks
// may push the deadline back with [Context.SetTimeout].
func WithTimeout(d time.Duration) EntryOption {
	return func(opts *entryOptions) {
		opts.timeout = d
	}
}

// WithRegistered is called on the loop thread once the registration took
// effect, with the new entry's ID.
func WithRegistered(fn func(id EntryID)) EntryOption {
	return func(opts *entryOptions) {
		opts.onRegistered = fn
	}
}

func resolveEntryOptions(opts []EntryOption) entryOptions {
	var cfg entryOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
