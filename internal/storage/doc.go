// Package storage persists the execution attempt log and the alert dedup
// state so both survive the periodic restart.
package storage
