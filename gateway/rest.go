package gateway

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/metrics"
)

const timeout = 15

// Router returns the handler serving the RESTful API and the client stream.
func (g *Gateway) Router() http.Handler {
	// API definition
	r := mux.NewRouter()
	r.HandleFunc("/", g.homeHandler)
	r.HandleFunc("/healthz", g.healthHandler).Methods("GET")
	r.HandleFunc("/networks", g.networksHandler).Methods("GET")         // get all available networks
	r.HandleFunc("/connect", g.connectHandler).Methods("POST")          // connect to a network
	r.HandleFunc("/disconnect", g.disconnectHandler).Methods("POST")    // disconnect from the network
	r.HandleFunc("/status", g.statusHandler).Methods("GET")             // connection state and subscriptions
	r.HandleFunc("/address/{address}", g.addrBalHandler).Methods("GET") // get address balance
	r.HandleFunc("/ledger", g.ledgerHandler).Methods("GET")             // get latest validated ledger
	r.HandleFunc("/cursor/{net}", g.resetHandler).Methods("DELETE")     // forget the ledgers explored on a network
	r.HandleFunc("/listen/{address}", g.listenHandler)                  // watch events related to the address
	r.HandleFunc("/listen", g.getAddrHandler).Methods("GET")            // get watched addresses
	r.HandleFunc("/ws", g.wsHandler).Methods("GET")                     // client event stream
	r.Use(g.rateLimit)

	return r
}

// rateLimit rejects the requests of client IPs over the configured rate. Health probes are never limited.
func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if !g.limiter.Allow(r.Context(), "ip:"+ip, g.opts.RateLimit, g.opts.RateWindow) {
				metrics.RateLimited.WithLabelValues("rest").Inc()
				g.reply(rw, r, http.StatusTooManyRequests, nil, ErrTooManyRequests)

				return
			}
		}

		next.ServeHTTP(rw, r)
	})
}

// wsHandler upgrades the request to a client session and serves it until the client goes away.
func (g *Gateway) wsHandler(rw http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		g.log.Info("websocket connection upgrade failed", zap.Error(err))

		return
	}

	s := newSession(g, ws)
	g.reg.add(s)
	metrics.Sessions.Inc()

	s.log.Debug("session opened", zap.String("remote", r.RemoteAddr))

	go s.writer()
	s.serve()
}

// Init sets up and starts the http/https server to service the RESTful API and the client stream. If sslPort,
// sslCert and sslKey are informed, it will start an https (TLS) server on the specified endpoint. It returns when
// Stop is called.
func (g *Gateway) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	var err, errTLS error

	r := g.Router()

	// start http server
	if port != "" {
		g.s = &http.Server{
			Handler:           r,
			Addr:              endpoint + ":" + port,
			ReadHeaderTimeout: timeout * time.Second,
		}

		go func() {
			err = g.s.ListenAndServe()
		}()

		g.log.Info("listening to API http requests", zap.String("addr", g.s.Addr))
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		g.ss = &http.Server{
			Handler:           r,
			Addr:              endpoint + ":" + sslPort,
			ReadHeaderTimeout: timeout * time.Second,
		}

		go func() {
			errTLS = g.ss.ListenAndServeTLS(sslCert, sslKey)
		}()

		g.log.Info("listening to API https requests", zap.String("addr", g.ss.Addr))
	}
	// wait for servers to be shutdown
	<-g.sc

	return fmt.Sprintf("shutdown http server:%v, https server:%v", err, errTLS)
}
