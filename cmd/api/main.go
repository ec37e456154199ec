package main

import (
    "bufio"
    "fmt"
    "log"
    "net"
    "net/http"
    "os"
    "strconv"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "wastenav/internal/api"
    "wastenav/internal/metrics"
)

type statusWriter struct {
    http.ResponseWriter
    status int
}

func (w *statusWriter) WriteHeader(code int) {
    w.status = code
    w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
    if f, ok := w.ResponseWriter.(http.Flusher); ok { f.Flush() }
}

// Hijack is needed for the websocket upgrade to pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := w.ResponseWriter.(http.Hijacker)
    if !ok { return nil, nil, fmt.Errorf("hijacking not supported") }
    return h.Hijack()
}

func logMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        sw := &statusWriter{ResponseWriter: w, status: 200}
        next.ServeHTTP(sw, r)
        dur := time.Since(start)
        log.Printf("%s %s %s %d %s", r.RemoteAddr, r.Method, r.URL.Path, sw.status, dur)
        status := strconv.Itoa(sw.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(dur.Seconds())
    })
}

func main() {
    metrics.RegisterDefault()

    s, err := api.NewServer()
    if err != nil {
        log.Fatalf("server init: %v", err)
    }

    mux := http.NewServeMux()
    mux.HandleFunc("/v1/requests", s.RequestsHandler)
    mux.HandleFunc("/v1/requests/", s.RequestByIDHandler)
    mux.HandleFunc("/v1/routes", s.RoutesHandler)
    mux.HandleFunc("/v1/routes/", s.RouteByIDHandler)
    mux.HandleFunc("/v1/vehicles", s.VehiclesHandler)
    mux.HandleFunc("/v1/vehicles/", s.VehicleByIDHandler)
    mux.HandleFunc("/v1/users", s.UsersHandler)
    mux.HandleFunc("/v1/users/", s.UserByIDHandler)
    mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
    mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)
    mux.HandleFunc("/v1/events/stream", s.EventsStreamHandler)
    mux.HandleFunc("/v1/ws", s.EventsWSHandler)
    mux.HandleFunc("/v1/admin/stats", s.StatsHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries/", s.WebhookDeliveryRetryHandler)
    mux.HandleFunc("/healthz", s.HealthHandler)
    mux.HandleFunc("/readyz", s.ReadyHandler)
    mux.HandleFunc("/openapi.yaml", s.OpenAPIYAMLHandler)
    mux.HandleFunc("/openapi.json", s.OpenAPIJSONHandler)
    mux.HandleFunc("/debug/info", s.DebugInfoHandler)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

    worker := s.NewWebhookWorker()
    worker.Start()

    port := os.Getenv("PORT")
    if port == "" { port = "8080" }
    srv := &http.Server{
        Addr:              ":" + port,
        Handler:           logMiddleware(api.RateLimitMiddleware(mux)),
        ReadHeaderTimeout: 5 * time.Second,
    }
    log.Printf("listening on :%s", port)
    log.Fatal(srv.ListenAndServe())
}
