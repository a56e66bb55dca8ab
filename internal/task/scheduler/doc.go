// Package scheduler turns cron specs into engine tasks. It only computes
// trigger times; execution, retries and overlap control belong to the task
// engine.
package scheduler
