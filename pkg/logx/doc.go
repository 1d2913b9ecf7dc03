// Package logx configures chimebot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional chat alert sink (min-level + rate limiting) that forwards
//     WARN+ records into an operations space
package logx
