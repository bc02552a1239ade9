// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and manages the gatechat configuration.
//
// Configuration lives in ~/.gatechat/config.toml with built-in defaults
// underneath and GATECHAT_* environment variables on top. Validation clamps
// out-of-range numeric settings rather than refusing to start. Watch
// observes the file for edits so a running process can pick up changes.
package config
