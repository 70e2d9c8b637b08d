// Package chat implements the text chat backend used by the chat widget.
// It keeps one Gemini chat per conversation, retries transient failures with
// exponential backoff and bounds the number of concurrent requests.
package chat
