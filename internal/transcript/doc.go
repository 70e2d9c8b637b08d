// Package transcript accumulates streamed partial transcripts into
// turn-level chat messages.
package transcript
