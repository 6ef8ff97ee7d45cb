// Package logx is the logging layer: a small value-type Logger over
// zerolog, plus a Service that owns the sinks.
//
// Console output is human readable, the file sink writes JSON lines, and
// the optional chat sink forwards records at or above a minimum level to an
// operator chat under a rate limit.
package logx
