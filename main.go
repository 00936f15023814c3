// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("gupshup - End-to-End Encrypted Local-First Sync")
	fmt.Println("===============================================")
	fmt.Println()
	fmt.Println("gupshup keeps per-device SQLite replicas in sync through a blind relay:")
	fmt.Println("documents are encrypted on the device, searchable through blind indexes,")
	fmt.Println("and replicated hub-and-spoke with Lamport-ordered change logs.")
	fmt.Println()

	fmt.Println("Available entry points:")
	fmt.Println()
	fmt.Println("1. Relay server (cmd/gupshup-relay/)")
	fmt.Println("   Blind ciphertext router with JWT auth and an offline inbox")
	fmt.Println("   Run: go run ./cmd/gupshup-relay")
	fmt.Println()

	fmt.Println("2. Two-device demo (examples/two_device_demo/)")
	fmt.Println("   Creates a database, invites a second device and syncs both")
	fmt.Println("   through an in-process relay over WebSockets")
	fmt.Println("   Run: cd examples/two_device_demo && go run .")
	fmt.Println()
}
