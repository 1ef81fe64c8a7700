// Package guildbot implements a self-hosted Discord guild bot with a
// per-guild integer currency ledger, a reviewed extension ("cog")
// pipeline, member leveling, and a handful of background pollers.
//
// The bot is driven by slash commands. Currency operations are routed
// through a serialized ledger so concurrent transfers can never observe
// partial state. Cog submissions from non-privileged members are staged
// on disk until an administrator approves or rejects them via command or
// the admin HTTP API; approved cogs are loaded into an embedded Go
// interpreter and can be rolled back if loading fails.
//
// Configuration is loaded from a YAML file and/or environment variables
// (see cmd/), with a subset of settings editable at runtime through the
// database-backed RuntimeConfig.
package guildbot
