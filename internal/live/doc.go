// Package live adapts the Gemini Live API (google.golang.org/genai) to the
// session.Remote interface.
package live
