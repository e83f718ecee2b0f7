// Package requester provides the default RequesterPlugin, registered under
// the "http" identifier, that every downloader bundle resolves to unless a
// spider names a different one.
package requester

import (
	"net/http"
	"time"

	"github.com/siskinc/scrapyengine"
)

// BundleKeyClient is the bundle key the plugin publishes its *http.Client
// under, once resolved.
const BundleKeyClient = "http_client"

// httpPlugin is a plain round-tripper-backed requester. It accepts no
// connection pooling configuration of its own; callers who need one build
// their own *http.Client and pass it as Args.
type httpPlugin struct{}

func init() {
	engine.RegisterRequesterPlugin(engine.DefaultRequesterIdentifier, httpPlugin{})
}

// PrepareForStart builds the *http.Client this requester contributes to the
// downloader's bundle. args may be:
//   - nil: http.DefaultClient is used.
//   - time.Duration: a client with that request timeout.
//   - *http.Client: used as-is, letting a spider fully own transport
//     configuration (proxies, TLS, connection limits).
func (httpPlugin) PrepareForStart(args engine.PluginArgs, bundle engine.Bundle) (engine.Bundle, error) {
	client := http.DefaultClient
	switch v := args.(type) {
	case *http.Client:
		client = v
	case time.Duration:
		client = &http.Client{Timeout: v}
	}
	return bundle.With(BundleKeyClient, client), nil
}
