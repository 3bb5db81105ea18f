// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so that components take a Logger value instead of a concrete
// zerolog.Logger: the zero value is a safe no-op, With() derives loggers with
// fixed fields, and a Logger obtained from Service stays live across
// Service.Apply() calls when the daemon config is reloaded.
package logx
