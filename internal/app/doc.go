// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package app wires the CLI surface: commands, flags, and the boundary
// between configuration and the core packages. No chat or catalog logic
// lives here.
package app
