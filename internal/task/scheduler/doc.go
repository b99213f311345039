// Package scheduler owns every time-based trigger of the bot.
//
// Deadline timers are one-shot and keyed: at most one is armed per key, and
// arming a key again cancels the previous timer. Recurring jobs (self
// restart, heartbeat) are cron or interval schedules driven by robfig/cron.
// Nothing runs on the timer goroutine itself; a trigger only submits a task
// to the task engine.
package scheduler
