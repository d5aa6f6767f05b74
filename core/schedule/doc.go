// Package schedule triggers workflow runs on cron schedules.
//
// Expressions use the five standard fields (minute hour day-of-month month
// day-of-week) or a descriptor such as @hourly or @every 15m. Each schedule
// is evaluated in its own IANA timezone, UTC when none is given, so
// "0 9 * * 1-5" in Europe/Rome fires at 09:00 Rome time across DST changes.
//
// Runs started by a schedule carry the trigger "schedule:<id>".
package schedule
