// Package engine implements the per-spider control plane of a web-crawling
// framework: it assembles the Downloader -> Spider -> ItemProcessor pipeline,
// wires shared tables between the stages, drives the engine through its
// preparing/running/suspend/terminating lifecycle, and can snapshot or
// restore in-flight state through dump-to-file and load-from-file.
//
// The engine does not fetch pages, parse HTML, or write to storage itself.
// Those concerns belong to the stages and plugins packages; engine only
// specifies the contracts they must satisfy.
package engine
