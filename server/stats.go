/******************************************************************************
 *
 *  Description :
 *
 *    Live stats reporting through expvar plus a Prometheus endpoint.
 *    Updates happen in a separate goroutine to avoid locking on the
 *    request path.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"expvar"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zarvox/sandstorm/server/logs"
)

type varUpdate struct {
	// Name of the variable to update.
	varname string
	// Integer value to publish.
	count int64
	// Treat the count as an increment as opposite to the final value.
	inc bool
	// Histogram sample; only valid when hist is true.
	sample float64
	hist   bool
}

// histogram is an expvar-published distribution with fixed bucket
// boundaries.
type histogram struct {
	lock           sync.Mutex
	count          int64
	sum            float64
	countPerBucket []int64
	bounds         []float64
}

func (h *histogram) addSample(v float64) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.count++
	h.sum += v
	idx := sort.SearchFloat64s(h.bounds, v)
	h.countPerBucket[idx]++
}

func (h *histogram) String() string {
	h.lock.Lock()
	defer h.lock.Unlock()

	r, _ := json.Marshal(struct {
		Count          int64     `json:"count"`
		Sum            float64   `json:"sum"`
		CountPerBucket []int64   `json:"count_per_bucket"`
		Bounds         []float64 `json:"bounds"`
	}{h.count, h.sum, h.countPerBucket, h.bounds})
	return string(r)
}

// Prometheus mirrors of the hot-path counters. The expvar variables stay
// authoritative; these exist so standard scrapers need no adapter.
var (
	promRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "requests_total",
		Help:      "Requests dispatched, by host class.",
	}, []string{"class"})
	promRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request processing time.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Initialize stats reporting through expvar and mount the Prometheus
// scrape handler.
func statsInit(mux *http.ServeMux, expvarPath, promPath string) {
	if expvarPath != "" && expvarPath != "-" {
		mux.Handle(expvarPath, expvar.Handler())
		logs.Info.Printf("stats: variables exposed at '%s'", expvarPath)
	}
	if promPath != "" && promPath != "-" {
		mux.Handle(promPath, promhttp.Handler())
		logs.Info.Printf("stats: prometheus metrics exposed at '%s'", promPath)
	}

	globals.statsUpdate = make(chan *varUpdate, 1024)

	start := time.Now()
	expvar.Publish("Uptime", expvar.Func(func() interface{} {
		return time.Since(start).Seconds()
	}))
	expvar.Publish("NumGoroutines", expvar.Func(func() interface{} {
		return runtime.NumGoroutine()
	}))
	expvar.Publish("CachedSessionProxies", expvar.Func(func() interface{} {
		if globals.sessionProxies == nil {
			return 0
		}
		return globals.sessionProxies.size()
	}))
	expvar.Publish("CachedApiProxies", expvar.Func(func() interface{} {
		if globals.apiProxies == nil {
			return 0
		}
		return globals.apiProxies.size()
	}))

	go statsUpdater()
}

// Register integer variable. Don't check for initialization.
func statsRegisterInt(name string) {
	expvar.Publish(name, new(expvar.Int))
}

// Register a histogram with the given bucket boundaries.
func statsRegisterHistogram(name string, bounds []float64) {
	expvar.Publish(name, &histogram{
		countPerBucket: make([]int64, len(bounds)+1),
		bounds:         bounds,
	})
}

// Async publish int variable.
func statsSet(name string, val int64) {
	if globals.statsUpdate != nil {
		select {
		case globals.statsUpdate <- &varUpdate{varname: name, count: val}:
		default:
		}
	}
}

// Async publish an increment (decrement) to int variable.
func statsInc(name string, val int) {
	if globals.statsUpdate != nil {
		select {
		case globals.statsUpdate <- &varUpdate{varname: name, count: int64(val), inc: true}:
		default:
		}
	}
}

// Async publish a histogram sample.
func statsAddHist(name string, sample float64) {
	if globals.statsUpdate != nil {
		select {
		case globals.statsUpdate <- &varUpdate{varname: name, sample: sample, hist: true}:
		default:
		}
	}
}

// Stop publishing stats.
func statsShutdown() {
	if globals.statsUpdate != nil {
		globals.statsUpdate <- nil
	}
}

// The go routine which actually publishes stats updates.
func statsUpdater() {
	for upd := range globals.statsUpdate {
		if upd == nil {
			globals.statsUpdate = nil
			// Don't care to close the channel.
			break
		}

		ev := expvar.Get(upd.varname)
		if ev == nil {
			panic("stats: update to unknown variable " + upd.varname)
		}
		if upd.hist {
			// Intentional panic if the variable is of the wrong type.
			ev.(*histogram).addSample(upd.sample)
		} else if intvar := ev.(*expvar.Int); upd.inc {
			intvar.Add(upd.count)
		} else {
			intvar.Set(upd.count)
		}
	}

	logs.Info.Println("stats: shutdown")
}

// statsRegisterVars declares every variable touched by the gateway.
// Called once at startup, before any traffic is served.
func statsRegisterVars() {
	statsRegisterInt("AppSessionsEstablished")
	statsRegisterInt("ApiProxiesSwept")
	statsRegisterInt("LiveBackendConns")
	statsRegisterInt("ProxiesClosed")
	statsRegisterInt("ProxyTransientRetries")
	statsRegisterInt("RequestsMalformedHost")
	statsRegisterInt("SessionTouchFailures")
	statsRegisterInt("SessionsCollected")
	statsRegisterInt("StreamingFallbacks")
	statsRegisterInt("TokensRevokedLive")
	statsRegisterInt("WebSocketsOpened")

	// Milliseconds.
	statsRegisterHistogram("RequestProcessingDuration",
		[]float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000})
}
