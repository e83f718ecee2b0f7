// Package spider is the engine's default Spider stage: it drains responses
// the downloader stage forwards, hands each to a user-supplied Spider for
// parsing, and routes the two things a spider's Parse method can produce —
// extracted items and freshly discovered requests — to the item processor
// and back to the downloader respectively.
package spider

import (
	"github.com/google/uuid"

	"github.com/siskinc/scrapyengine"
	"github.com/siskinc/scrapyengine/stages/downloader"
)

// Spider is the contract a user implements to turn a fetched page into
// items and further requests. Parse takes a narrow ParseContext rather
// than the whole Engine, since a spider never needs more than the ability
// to emit items and schedule requests.
type Spider interface {
	Parse(ctx *ParseContext, resp *downloader.Response)
}

// ParseContext is everything a Spider's Parse method can do besides return:
// emit an item downstream, or schedule a new request back on the
// downloader. Both operations are table writes, resolved once per Runner
// rather than once per call.
type ParseContext struct {
	items      *engine.SharedTable // next_tid: where extracted items go
	downloader *engine.SharedTable // downloader_tid, looked up by name
}

// EmitItem places item onto the item processor's queue under a fresh key.
// Unlike requests, items carry no natural de-duplication key, so each call
// produces a new entry. If item's concrete type needs to survive a
// suspend-then-dump snapshot, the spider's own package must register it
// with gob.Register from an init() — the engine has no way to know a
// user-defined item type in advance.
func (c *ParseContext) EmitItem(item any) {
	c.items.Set(uuid.New().String(), item)
}

// ScheduleRequest places req onto the downloader's queue, keyed by the same
// fingerprint AddRequest uses, so a link scheduled twice while the first is
// still queued collapses to one entry. The downloader's seen-set is not
// consulted: a request scheduled again after it was popped is fetched again.
func (c *ParseContext) ScheduleRequest(req *downloader.Request) {
	c.downloader.Set(downloader.Fingerprint(req.HTTPRequest), req)
}
