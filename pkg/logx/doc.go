// Package logx configures guildbot's structured logging.
//
// logx.Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON, one event per line
//   - an optional chat sink forwards warnings to an operator chat (min-level + rate limit)
package logx
