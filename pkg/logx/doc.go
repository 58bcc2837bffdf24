// Package logx is a small structured-logging kit on top of zerolog.
//
// Components receive a value-type Logger; its zero value is a safe no-op.
// The Service owns the sinks (console, optional file) and can swap level and
// outputs at runtime without invalidating loggers already handed out.
package logx
