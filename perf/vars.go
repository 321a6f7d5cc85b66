package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency       = metric.NewHistogram("1m1s")
	KernelLatency         = metric.NewHistogram("1m1s")
	KernelRequests        = metric.NewCounter("10s1s")
	KernelErrors          = metric.NewCounter("10s1s")
	KernelRaces           = metric.NewCounter("10s1s")
	KernelNotifications   = metric.NewCounter("10s1s")
	MalformedMessages     = metric.NewCounter("10s1s")
	RibProcessed          = metric.NewCounter("10s1s")
	RibQueueLength        = metric.NewHistogram("1m1s")
	FpmSentPerSecond      = metric.NewCounter("10s1s")
	FpmDroppedPerSecond   = metric.NewCounter("10s1s")
	FpmSentBytesPerSecond = metric.NewCounter("10s1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("fibd:KernelLatency (µs)", KernelLatency)
	expvar.Publish("fibd:KernelRequests/s", KernelRequests)
	expvar.Publish("fibd:KernelErrors/s", KernelErrors)
	expvar.Publish("fibd:KernelRaces/s", KernelRaces)
	expvar.Publish("fibd:KernelNotifications/s", KernelNotifications)
	expvar.Publish("fibd:MalformedMessages/s", MalformedMessages)

	expvar.Publish("fibd:RibProcessed/s", RibProcessed)
	expvar.Publish("fibd:RibQueueLength", RibQueueLength)

	expvar.Publish("fibd:FpmSent/s", FpmSentPerSecond)
	expvar.Publish("fibd:FpmDropped/s", FpmDroppedPerSecond)
	expvar.Publish("fibd:FpmSentBytes/s", FpmSentBytesPerSecond)
	expvar.Publish("fibd:DispatchLatency (µs)", DispatchLatency)
}
