// Package logx is the structured logger used across postqueue.
//
// It wraps zerolog behind a small value type (Logger) so components can
// carry fixed fields (comp, platform, task) and keep working when the
// logging service is reconfigured at runtime. Console output is human
// readable; file output is JSON lines.
package logx
