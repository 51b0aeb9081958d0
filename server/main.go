/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization of the gateway process.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"time"

	jcr "github.com/tinode/jsonco"

	_ "github.com/zarvox/sandstorm/server/db/mem"
	_ "github.com/zarvox/sandstorm/server/db/mysql"
	"github.com/zarvox/sandstorm/server/logs"
	"github.com/zarvox/sandstorm/server/store"
)

const (
	// currentVersion is the reported version of the gateway.
	currentVersion = "0.1"

	// How often the API proxy cache sweeps idle entries, unless
	// overridden in the config file.
	defaultApiSweepInterval = 60 * time.Second
)

// Build timestamp set by the compiler:
// -ldflags "-X main.buildstamp=`date -u '+%Y%m%dT%H:%M:%SZ'`".
var buildstamp = "undef"

var globals struct {
	// Wildcard host classifier, immutable after startup.
	hostRouter *hostRouter
	// Live proxies for cookie-authenticated UI sessions.
	sessionProxies *sessionProxyCache
	// Live proxies for bearer-token API traffic.
	apiProxies *apiProxyCache
	// Connection to the grain supervisor backend.
	backend *BackendClient
	// Watcher severing traffic on token/grain revocation.
	revocations *revocationWatcher

	// Scheme://host of the main (non-wildcard) web interface.
	rootURL string
	// Operator bearer token gating the debug endpoints; empty disables
	// them.
	debugToken string
	// Include error details in 5xx response bodies. Off in production.
	exposeErrorDetails bool

	// Channel for stats updates, nil if stats are disabled.
	statsUpdate chan *varUpdate
	// Strict-Transport-Security max age, as a string; empty disables HSTS.
	tlsStrictMaxAge string
}

type configType struct {
	// Address:port to listen on.
	Listen string `json:"listen"`
	// Hostname pattern with exactly one '*', e.g. "*.example.com".
	WildcardHost string `json:"wildcard_host"`
	// Scheme://host where the main web interface lives.
	RootURL string `json:"root_url"`
	// Address:port of the grain supervisor backend.
	BackendAddr string `json:"backend_addr"`

	// URL path of the exposed expvar variables; disabled if empty or "-".
	Expvar string `json:"expvar"`
	// URL path of the Prometheus scrape endpoint; disabled if empty or "-".
	PromMetrics string `json:"prom_metrics"`
	// Operator token for the debug endpoints; disabled if empty.
	DebugToken string `json:"debug_token"`
	// Include error details in 5xx responses.
	ExposeErrorDetails bool `json:"expose_error_details"`

	// Seconds between API proxy cache sweeps; 0 means the default.
	ApiSweepSeconds int `json:"api_proxy_sweep_interval"`
	// ID of this gateway instance, used for unique session id generation.
	// Must differ between instances sharing one database.
	WorkerID int `json:"worker_id"`

	// Configuration of the store and the DB adapters.
	StoreConfig json.RawMessage `json:"store_config"`
	// TLS configuration, see TlsConfig.
	TLS json.RawMessage `json:"tls"`
}

func main() {
	executable, _ := os.Executable()
	logs.Init(log.LstdFlags | log.Lshortfile)
	logs.Info.Printf("Server v%s:%s pid %d started with processes: %d",
		currentVersion, buildstamp, os.Getpid(), runtime.GOMAXPROCS(runtime.NumCPU()))

	var configfile = flag.String("config", "./gateway.conf", "Path to config file.")
	var listenOn = flag.String("listen", "", "Override address and port to listen on.")
	var tlsEnabled = flag.Bool("tls_enabled", false, "Override config value for enabling TLS.")
	var initDb = flag.Bool("init_db", false, "Initialize the database and exit.")
	var pprofUrl = flag.String("pprof_url", "", "Debugging only! URL path for exposing runtime profiles.")
	flag.Parse()

	logs.Info.Printf("Using config from '%s' (%s)", *configfile, executable)

	var config configType
	if file, err := os.Open(*configfile); err != nil {
		logs.Err.Fatalln("Failed to read config file:", err)
	} else {
		jr := jcr.New(file)
		if err = json.NewDecoder(jr).Decode(&config); err != nil {
			switch jerr := err.(type) {
			case *json.UnmarshalTypeError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
					jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
			case *json.SyntaxError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
					lnum, cnum, jerr.Offset, jerr.Error())
			default:
				logs.Err.Fatalln("Failed to parse config file:", err)
			}
		}
		file.Close()
	}

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if config.WorkerID == 0 {
		config.WorkerID = 1
	}

	if err := store.Open(config.WorkerID, config.StoreConfig); err != nil {
		logs.Err.Fatalln("Failed to connect to store:", err)
	}
	defer func() {
		store.Close()
		logs.Info.Println("Closed database connection(s)")
	}()
	logs.Info.Println("Database adapter:", store.GetAdapterName())

	if *initDb {
		if err := store.InitDb(true); err != nil {
			logs.Err.Fatalln("Failed to initialize the database:", err)
		}
		logs.Info.Println("Database initialized")
		return
	}

	router, err := newHostRouter(config.WildcardHost)
	if err != nil {
		logs.Err.Fatalln(err)
	}
	globals.hostRouter = router

	rootURL, err := url.Parse(config.RootURL)
	if err != nil || rootURL.Host == "" {
		logs.Err.Fatalln("Config root_url must be a valid scheme://host URL")
	}
	globals.rootURL = config.RootURL
	globals.debugToken = config.DebugToken
	globals.exposeErrorDetails = config.ExposeErrorDetails

	globals.backend, err = newBackendClient(config.BackendAddr)
	if err != nil {
		logs.Err.Fatalln("Failed to connect to backend:", err)
	}

	sweep := defaultApiSweepInterval
	if config.ApiSweepSeconds > 0 {
		sweep = time.Duration(config.ApiSweepSeconds) * time.Second
	}
	globals.sessionProxies = newSessionProxyCache()
	globals.apiProxies = newAPIProxyCache(sweep)
	globals.revocations = startRevocationWatcher()

	mux := http.NewServeMux()
	statsRegisterVars()
	// Stats and debug endpoints are bound to the main host so apps on
	// wildcard hosts cannot shadow or reach them.
	statsInit(mux, hostPath(rootURL.Host, config.Expvar), hostPath(rootURL.Host, config.PromMetrics))
	mux.HandleFunc(rootURL.Host+"/_debug/grain-log", serveGrainLog)
	mux.HandleFunc(rootURL.Host+"/_debug/shutdown-grain", serveGrainShutdown)
	servePprof(mux, rootURL.Host, *pprofUrl)
	mux.HandleFunc("/", serveGateway)

	gcStop := make(chan bool)
	go sessionGCLoop(gcStop)
	go tokenGCLoop(gcStop)
	go grainKeepAliveLoop(gcStop)

	if err = listenAndServe(mux, config.Listen, *tlsEnabled, string(config.TLS), signalHandler()); err != nil {
		logs.Err.Fatalln(err)
	}
	close(gcStop)
	statsShutdown()
	logs.Info.Println("All done, good bye")
}

// hostPath prefixes a mux path with a host, preserving the
// empty-disables convention.
func hostPath(host, path string) string {
	if path == "" || path == "-" {
		return path
	}
	return host + path
}
