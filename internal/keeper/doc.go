// Package keeper watches voting machine notifications, keeps one deadline
// timer per proposal and executes proposals when their phase expires.
//
// Flow:
//
//	notification -> read item -> plan deadline -> arm timer
//	timer fires -> lock item -> re-read -> build call -> sign -> send
//	receipt watcher -> confirmed | retry timer | abandoned
//
// The listener never takes the per-item lock; only firing and retry paths do,
// so two executions for the same proposal never overlap.
package keeper
