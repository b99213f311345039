// Package logx is execbot's structured logger: a field-function wrapper over
// zerolog. Console lines use a short timestamp and caller, the optional file
// sink writes JSON, and warn-and-above lines can be forwarded to the alert
// pipeline through a rate limiter.
package logx
