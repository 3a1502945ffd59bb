// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-overstore - Local-First Data Synchronization Engine")
	fmt.Println("======================================================")
	fmt.Println()
	fmt.Println("go-overstore keeps a durable local copy of application records consistent")
	fmt.Println("with a remote GraphQL-shaped backend across offline periods, restarts, and")
	fmt.Println("concurrent local/remote writes.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  overstore/    - The sync engine: save/query/observe surface, mutation")
	fmt.Println("                  outbox, sync queries, subscription reconciliation")
	fmt.Println("  sqlitestore/  - SQLite-backed local store, mutation log, and sync state")
	fmt.Println("  pgstore/      - PostgreSQL-backed storage for server-side embedders")
	fmt.Println("  gqlremote/    - GraphQL-over-HTTP remote client with NDJSON subscriptions")
	fmt.Println()

	fmt.Println("Example:")
	fmt.Println()
	fmt.Println("  Todo Sync Client (examples/todosync/)")
	fmt.Println("  A local-first todo store with background sync and a live query")
	fmt.Println("  Run: cd examples/todosync && go run .")
	fmt.Println()
}
