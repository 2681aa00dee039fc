package gateway

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// WorkerSource picks the loopback port of a worker able to take one request.
type WorkerSource interface {
	NextReadyPort() (int, error)
}

// Dispatcher forwards gallery traffic to worker processes. Each request gets
// a trace ID that is attached upstream and written to the access log, so a
// slow render can be matched to the worker that served it.
type Dispatcher struct {
	source    WorkerSource
	transport *http.Transport
}

func NewDispatcher(source WorkerSource) *Dispatcher {
	return &Dispatcher{
		source: source,
		transport: &http.Transport{
			Dial: (&net.Dialer{
				Timeout:   600 * time.Second,
				KeepAlive: 600 * time.Second,
			}).Dial,
			TLSHandshakeTimeout: 180 * time.Second,
		},
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.New().String()

	port, err := d.source.NextReadyPort()
	if err != nil {
		log.Printf("<%s> %s %s => 503 [%v]", traceID, r.Host, r.URL.Path, err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	targetURL := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("127.0.0.1:%d", port),
	}
	log.Printf("<%s> %s %s => %s", traceID, r.Host, r.URL.Path, targetURL.Host)

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = d.transport
	proxy.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, err error) {
		log.Printf("<%s> %s %s => 502 [%v]", traceID, req.Host, req.URL.Path, err)
		http.Error(rw, "Bad Gateway", http.StatusBadGateway)
	}

	r.Host = targetURL.Host
	r.Header.Set("X-Trace-ID", traceID)
	proxy.ServeHTTP(w, r)
}
