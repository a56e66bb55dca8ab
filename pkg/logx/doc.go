// Package logx configures logshipper's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional ship sink feeding the process's own errors into the pipeline
//
// Records written with the Internal() field are never shipped.
package logx
