// Package logx configures beacon's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level and sinks swappable at runtime (config reload)
package logx
