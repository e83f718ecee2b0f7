package pipelines

import (
	"encoding/gob"
	"time"

	"github.com/siskinc/scrapyengine/stages/itemprocessor"
)

// VideoItem is what Movie80sSpider.Parse extracts from a detail page. It
// travels through the item processor's table behind an interface-typed
// Entry.Value, so gob needs it registered before a suspend-then-dump can
// snapshot a table holding one.
func init() {
	gob.Register(&VideoItem{})
}

type VideoItem struct {
	Title     string
	SrcUrl    string
	Synopsis  string
	OnlineUrl string
	LeadActor string
	BtUrl     string
	Type      uint64
}

// Row implements itemprocessor.Row so the default storage plugin can
// persist a VideoItem without VideoPipeline needing to know about SQL.
func (v *VideoItem) Row() []any {
	now := time.Now()
	return []any{now, now, v.Title, v.Type, v.BtUrl, v.SrcUrl}
}

// VideoPipeline rejects items missing a title before they reach storage.
// Everything video.go used to do by hand against its own MySQL connection —
// opening the DB, batching inserts, running the flush ticker — now lives in
// the default "mysql" storage plugin; this pipeline only validates.
type VideoPipeline struct{}

func (VideoPipeline) ProcessItem(item any) error {
	video, ok := item.(*VideoItem)
	if !ok {
		return nil
	}
	if video.Title == "" {
		return itemprocessor.DropItem
	}
	return nil
}
