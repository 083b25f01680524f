// Package proxymon watches the request traffic of a client that routes
// through an authenticating forward proxy and derives a health picture from
// it.
//
// A Tracker consumes request lifecycle events (started, headers, completed,
// failed) and proxy configuration changes. It classifies failures into
// categories, estimates latency with an exponential moving average,
// schedules capped exponential-backoff retries for transient failures and
// keeps a bounded log of recent errors. Health combines latency, success
// rate and retry success into a single score in [0, 1].
//
// Monitor adds metric collectors on top of a Tracker and pushes them to a
// Prometheus remote write endpoint; the same collectors can be scraped
// through PrometheusCollector.
//
// Basic usage:
//
//	cfg := proxymon.DefaultConfig()
//	cfg.Logger = logger
//
//	exp := proxymon.DefaultExporterConfig()
//	exp.RemoteWriteURL = "http://prometheus:9090/api/v1/write"
//
//	mon, err := proxymon.New(cfg, exp, proxymon.WithRetryFunc(reissue))
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer mon.Stop()
//
//	feed := proxymon.NewFeed(256)
//	go mon.Run(ctx, feed)
//	feed.Publish(ctx, proxymon.RequestStarted{ID: "1", URL: "https://example.com"})
package proxymon
