// Command 80s-spider is a worked example of wiring the engine's default
// stages together against a real (if small) movie-listing site.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/siskinc/scrapyengine"
	"github.com/siskinc/scrapyengine/demo/80s-spider/pipelines"
	"github.com/siskinc/scrapyengine/demo/80s-spider/spider"
	"github.com/siskinc/scrapyengine/plugin/storage"
	"github.com/siskinc/scrapyengine/stages/downloader"
	itemprocessorstage "github.com/siskinc/scrapyengine/stages/itemprocessor"
	spiderstage "github.com/siskinc/scrapyengine/stages/spider"
)

func main() {
	logrus.SetLevel(logrus.InfoLevel)

	factories := engine.Factories{
		Downloader:    downloader.New(),
		Spider:        spiderstage.New(&spider.Movie80sSpider{}),
		ItemProcessor: itemprocessorstage.New(),
	}

	opts := engine.EngineOptions{
		Spider: "80s-movie",
		DownloaderOptions: []engine.Option{
			{Key: downloader.OptionRetryMax, Value: 3},
			{Key: downloader.OptionWorkerNumber, Value: 5},
		},
		SpiderOptions: []engine.Option{
			{Key: spiderstage.OptionWorkerNumber, Value: 5},
		},
		ItemProcessorOptions: []engine.Option{
			{Key: engine.BundleKeyMiddleware, Value: []any{pipelines.VideoPipeline{}}},
			{Key: engine.BundleKeyStorage, Value: engine.PluginSpec{
				Identifier: "mysql",
				Args: storage.StorageArgs{
					DSN: storage.DSN{
						Username: "root",
						Password: "root",
						Host:     "127.0.0.1",
						Port:     "3306",
						Database: "resource_search_service",
					},
					WriteOptions: storage.WriteOptions{
						Table:      "videos",
						Columns:    []string{"created_at", "updated_at", "name", "type", "bt_url", "src_url"},
						BatchSize:  200,
						FlushEvery: 3 * time.Second,
					},
				},
			}},
		},
	}

	eng, err := engine.Start(context.Background(), opts, factories, &spider.Movie80sSpider{}, nil)
	if err != nil {
		logrus.WithError(err).Fatal("engine failed to start")
	}

	for eng.Status() == engine.StatusPreparing {
		time.Sleep(10 * time.Millisecond)
	}
	if err := eng.Err(); err != nil {
		logrus.WithError(err).Fatal("engine setup failed")
	}

	seedStartURL(eng)

	<-eng.Done()
}

// seedStartURL pushes the listing page onto the downloader's queue using
// the same registry lookup a spider performs internally — there is nothing
// privileged about the engine's own initial seed versus a request
// discovered mid-crawl.
func seedStartURL(eng *engine.Engine) {
	handle, ok := eng.Registry().Lookup(eng.Spider(), engine.RegistryKeyDownloaderTID)
	if !ok {
		logrus.Fatal("downloader_tid was not published")
	}
	queue, ok := eng.Registry().Table(handle)
	if !ok {
		logrus.Fatal("downloader table was not registered")
	}

	httpReq, err := http.NewRequest(http.MethodGet, "http://8080s.net/movie/list", nil)
	if err != nil {
		logrus.WithError(err).Fatal("building start request")
	}
	req := &downloader.Request{
		HTTPRequest: httpReq,
		Config: map[string]any{
			spider.ConfigUrlType: spider.UrlTypeMovie,
			spider.ConfigUrlInfo: spider.ConfigUrlInfoPage,
		},
	}
	queue.Set(downloader.Fingerprint(httpReq), req)
}
