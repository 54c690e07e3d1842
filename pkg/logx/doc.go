// Package logx configures dripline's structured logging.
//
// Logger is a small value type over zerolog:
//   - console output stays readable (short timestamp, file:line caller)
//   - file output is JSON
//   - an optional operator-chat sink mirrors warnings and errors, rate limited
package logx
