// Package capture turns a continuous microphone sample stream into discrete
// encoded chunks of a fixed block size and hands them to the session.
package capture
