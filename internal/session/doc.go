// Package session implements the duplex voice session controller.
// A Controller owns one call at a time: it acquires the audio devices, dials
// the remote streaming endpoint, wires capture to the remote and the remote to
// playback and transcript assembly, and releases everything on close.
// All controller state is owned by a single event loop goroutine.
package session
