package daemon

import "errors"

// Sentinel errors returned by the daemon package. They are returned
// unwrapped, so callers can match them with errors.Is or ==.
var (
	ErrNothingPlaying    = errors.New("daemon: nothing is currently playing")
	ErrNothingToReplay   = errors.New("daemon: no previous item to replay")
	ErrDeviceUnavailable = errors.New("daemon: audio device unavailable")
	ErrQueueClosed       = errors.New("daemon: queue is shut down")
	ErrUnknownCommand    = errors.New("daemon: unknown command")
	ErrEmptyText         = errors.New("daemon: utterance text is empty")
	ErrVoiceLocked       = errors.New("daemon: voice is locked to another caller")
	ErrBackendAborted    = errors.New("daemon: synthesis aborted")
)
