// Package storage is the relational store of record for the bot.
//
// It holds the persisted triggers the scheduler recovers on boot
// (reminders and appointment notifications) and the derived tables written by
// the recurring drivers (member ranks and imported logs).
//
// Jobs never touch *sql.DB directly: each execution acquires a Session bound
// to one dedicated connection and releases it when the execution scope closes.
package storage
