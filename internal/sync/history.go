package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/messages"
)

// refreshHistory fetches the latest page and merges it on the engine
// goroutine. Failures leave the snapshot in place.
func (e *Engine) refreshHistory(ctx context.Context) {
	page, err := e.history.Fetch(ctx, e.cfg.ChatID, e.cfg.HistoryLimit, 0)
	e.post(ctx, func(ctx context.Context) {
		touched, stale := e.historyTouched, e.historyStale
		e.historyTouched, e.historyStale = nil, false
		switch {
		case err != nil:
			e.logger.Warn("history refresh failed, keeping snapshot", zap.Error(err))
		case stale:
			e.logger.Debug("chat cleared during history refresh, page discarded")
		case mergeHistory(e.store, page, touched):
			e.logger.Debug("history merged", zap.Int("page", len(page)), zap.Int("total", e.store.Len()))
			e.commit(ctx)
		}
	})
}

// mergeHistory replaces the confirmed messages of store with page, an
// oldest-first page from the server. Local messages newer than the page and
// pending entries are kept after it. Status never moves backwards and pending
// keys survive. Ids in touched changed locally after the page was requested:
// their local version wins, they are skipped when gone locally, and replies
// to them keep their local reply reference. An empty page changes nothing.
func mergeHistory(store *messages.Store, page []messages.Message, touched map[int64]bool) bool {
	if len(page) == 0 {
		return false
	}
	var maxID int64
	seen := make(map[int64]bool, len(page))
	merged := make([]messages.Message, 0, len(page)+store.Len())
	for _, m := range page {
		if m.ID == 0 || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if m.ID > maxID {
			maxID = m.ID
		}
		local, ok := store.Get(m.ID)
		if touched[m.ID] {
			if ok {
				merged = append(merged, local)
			}
			continue
		}
		if ok && m.ReplyTo != nil && touched[m.ReplyTo.ID] {
			m.ReplyTo = local.ReplyTo
		}
		if ok {
			m.Status = m.Status.Advance(local.Status)
			m.PendingKey = local.PendingKey
		}
		merged = append(merged, m)
	}

	var pending []messages.Message
	for _, m := range store.List() {
		switch {
		case !m.Confirmed():
			pending = append(pending, m)
		case m.ID > maxID && !seen[m.ID]:
			merged = append(merged, m)
		}
	}
	merged = append(merged, pending...)

	before := store.List()
	store.Replace(merged)
	return !sameList(before, store.List())
}

func sameList(a, b []messages.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID || x.PendingKey != y.PendingKey || x.Content != y.Content ||
			x.Status != y.Status || x.Edited != y.Edited || x.Pinned != y.Pinned ||
			x.Failed != y.Failed || !sameReply(x.ReplyTo, y.ReplyTo) {
			return false
		}
	}
	return true
}

func sameReply(a, b *messages.ReplyRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
