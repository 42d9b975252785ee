// Package guildkeeper implements a Discord community bot built around a
// guild-scoped persistent state layer.
//
// The state layer ([Store]) keeps per-guild configuration, a global economy
// ledger, per-guild leveling, reminders, giveaways, reaction-role bindings,
// starboard bookkeeping and a handful of per-user records. Every mutation
// that must be race-free (transfers, XP grants, giveaway endings, starboard
// registration, giveaway entries) is expressed as a single conditional
// statement or a transaction, so concurrent event handlers and background
// loops never need in-process coordination beyond the database itself.
//
// Key components:
//
//   - GuildKeeper: owns the lifecycle (startup, background loops, shutdown).
//   - Store: repository methods over gorm, backed by SQLite or PostgreSQL.
//   - Scheduler: the reminder, giveaway and voice-XP tickers.
//   - Discord: the gateway session, event handlers and slash commands.
//   - API: an admin HTTP API for settings, allowlist and operational control.
//   - GithubWebhookServer: receives GitHub webhooks and relays them to
//     registered guild channels.
//
// Background loops talk to Discord through the narrow [Messenger] interface,
// and isolate failures per item: a reminder that can't be delivered by DM
// falls back to its channel, and is marked completed either way.
package guildkeeper
