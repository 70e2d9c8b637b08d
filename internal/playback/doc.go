// Package playback schedules decoded audio chunks on a clock-bearing output
// so that successive chunks play back to back without gaps or overlap, and
// cancels everything in flight when the remote side reports an interruption.
package playback
