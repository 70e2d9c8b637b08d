// Package pcm converts between float32 audio samples and the 16-bit PCM wire
// representation used on the realtime session, including the base64 transport
// wrapping and the MIME tags that declare sample rate and encoding.
package pcm
