// Package governance holds runtime safety controls shared by the command
// pipeline. It currently provides token-bucket rate limiting keyed by command
// name and acting subject; the command bus turns an exhausted bucket into a
// SYSTEM_RATE_LIMIT failure.
package governance
