// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overstore

import (
	"log/slog"
	"sync"
)

// notifier fans ChangeNotifications out to query observers and Observe
// subscribers. Like the hub, publishing never blocks.
type notifier struct {
	mu     sync.Mutex
	subs   map[int]*changeSub
	nextID int
	logger *slog.Logger
}

type changeSub struct {
	modelType string // "" = all model types
	ch        chan ChangeNotification
}

func newNotifier(logger *slog.Logger) *notifier {
	return &notifier{
		subs:   make(map[int]*changeSub),
		logger: logger,
	}
}

// subscribe registers for changes to modelType ("" = all). The buffer is
// generous because bulk sync can emit long bursts; observers additionally
// debounce on their side.
func (n *notifier) subscribe(modelType string) (<-chan ChangeNotification, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	sub := &changeSub{modelType: modelType, ch: make(chan ChangeNotification, 256)}
	n.subs[id] = sub
	return sub.ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if s, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(s.ch)
		}
	}
}

func (n *notifier) publish(c ChangeNotification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		if sub.modelType != "" && sub.modelType != c.ModelType {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			n.logger.Warn("Dropping change notification for slow subscriber",
				"model", c.ModelType, "id", c.ModelID)
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, sub := range n.subs {
		delete(n.subs, id)
		close(sub.ch)
	}
}
