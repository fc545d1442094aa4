// Package media implements call.MediaDevices on the host's audio hardware.
//
// Capture goes through miniaudio (malgo) as 16-bit PCM in 20 ms frames.
// Playback goes through a single process-wide oto context that carries the
// ringback tone and the agent's voice.
//
// miniaudio has no echo canceller. Noise suppression and gain control are
// done in software here; echo cancellation is requested but unavailable,
// and a warning is logged once per process.
package media
