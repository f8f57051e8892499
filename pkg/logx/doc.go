// Package logx configures statusmon's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional monitor sink (min-level + rate limiting) that ships log
//     lines into the status tree
package logx
