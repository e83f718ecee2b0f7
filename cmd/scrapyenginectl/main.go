// Command scrapyenginectl runs an engine from a YAML configuration file.
//
// Usage:
//
//	scrapyenginectl run -c crawl.yaml
//
// See --help for all available options.
package main

func main() {
	Execute()
}
