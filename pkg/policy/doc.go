// Package policy evaluates command authorization with an embedded Open Policy
// Agent engine.
//
// Policies receive the command name, the acting identity and sanitized
// command attributes, and answer allow or block. Failure postures decide
// whether an engine error lets a command through or rejects it.
package policy
