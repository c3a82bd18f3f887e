package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf/link"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cerberus-defense/cerberus/internal/config"
	"github.com/cerberus-defense/cerberus/internal/enforcer"
	"github.com/cerberus-defense/cerberus/internal/monitoring"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load(os.Getenv("CERBERUS_CONFIG"))

	log.Println("🛡️  Starting Cerberus Interceptor (XDP blocklist)...")

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	objs, lnk := attachXDP(cfg.Enforcer.Interface)
	if objs != nil {
		defer objs.Close()
	}
	if lnk != nil {
		defer lnk.Close()
	}

	var updater *enforcer.VerdictUpdater
	var reader *enforcer.EventReader
	if objs != nil {
		updater = enforcer.NewVerdictUpdater(objs.VerdictMap)
		var err error
		reader, err = enforcer.NewEventReader(objs.DropEvents)
		if err != nil {
			log.Fatalf("❌ Ring buffer reader: %v", err)
		}
	} else {
		log.Println("⚠️  BPF objects unavailable, running in demo mode")
		updater = enforcer.NewVerdictUpdater(nil)
		reader, _ = enforcer.NewEventReader(nil)
	}
	defer reader.Close()

	go reader.Run(func(ev enforcer.DropEvent) {
		metrics.PacketsDropped.Inc()
		log.Printf("🚫 Dropped packet from %s (port %d, proto %d)",
			ev.SrcIP, ev.DstPort, ev.Proto)
	})

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"demo_mode": updater.DemoMode(),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/block", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			IP string `json:"ip"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.IP == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ip required"})
			return
		}
		if err := updater.BlockIP(body.IP); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		refreshBlockedGauge(updater, metrics)
		log.Printf("⛔ Blocked %s", body.IP)
		writeJSON(w, http.StatusOK, map[string]string{"status": "blocked", "ip": body.IP})
	}).Methods(http.MethodPost)

	r.HandleFunc("/block/{ip}", func(w http.ResponseWriter, req *http.Request) {
		ip := mux.Vars(req)["ip"]
		if err := updater.ClearIP(ip); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		refreshBlockedGauge(updater, metrics)
		log.Printf("✅ Unblocked %s", ip)
		writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked", "ip": ip})
	}).Methods(http.MethodDelete)

	r.HandleFunc("/blocked", func(w http.ResponseWriter, _ *http.Request) {
		blocked, err := updater.Blocked()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if blocked == nil {
			blocked = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"blocked": blocked, "count": len(blocked)})
	}).Methods(http.MethodGet)

	port := cfg.Server.Port
	if port == "8000" {
		port = "8004"
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort("", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("🛡️  Interceptor control API listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down interceptor...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// attachXDP loads the compiled BPF objects and attaches the blocklist
// program to the configured interface. Any failure means demo mode.
func attachXDP(ifaceName string) (*xdpObjects, link.Link) {
	objs := &xdpObjects{}
	if err := loadXdpObjects(objs, nil); err != nil {
		log.Printf("⚠️  Loading BPF objects: %v", err)
		return nil, nil
	}

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		log.Printf("⚠️  Interface %s: %v", ifaceName, err)
		return nil, nil
	}
	lnk, err := link.AttachXDP(link.XDPOptions{
		Program:   objs.XdpBlocklist,
		Interface: iface.Index,
	})
	if err != nil {
		log.Printf("⚠️  Attaching XDP to %s: %v", ifaceName, err)
		return nil, nil
	}
	log.Printf("🔗 XDP blocklist attached to %s", ifaceName)
	return objs, lnk
}

func refreshBlockedGauge(vu *enforcer.VerdictUpdater, m *monitoring.Metrics) {
	if blocked, err := vu.Blocked(); err == nil {
		m.BlockedSources.Set(float64(len(blocked)))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
