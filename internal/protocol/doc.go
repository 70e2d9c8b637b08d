// Package protocol implements the voice widget wire protocol.
// Control frames are JSON objects tagged by "type"; binary frames carry
// little-endian float32 microphone samples at 16 kHz.
package protocol
