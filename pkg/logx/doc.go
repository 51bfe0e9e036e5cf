// Package logx is the project's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp and caller)
//   - file output as JSON lines
//   - an optional alert sink (min level, rate limited, never blocking)
package logx
