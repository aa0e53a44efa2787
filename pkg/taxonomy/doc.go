// Package taxonomy defines the typed failure model shared by the command bus,
// the event bus and the recovery engine.
//
// Every failure is represented as an *Error carrying a stable machine code.
// The code prefix selects one of four categories:
//
//   - auth        credentials, tokens, permissions
//   - validation  malformed or incomplete input
//   - business    not found, already exists, invalid state, quota
//   - system      database, network, timeout, rate limit, dependencies
//
// A code supplies the default category, severity, status code and
// retryability of an error; construction options may override them per
// instance. Errors are immutable once constructed.
//
// Foreign errors (context, net, database/sql, JSON, gRPC status, panics) are
// mapped into the taxonomy with Wrap and From. The original value is kept as
// the cause for logging and is never exposed through UserMessage, Response or
// GRPCStatus.
package taxonomy
