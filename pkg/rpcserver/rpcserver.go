// Package rpcserver exposes the three spec'd operations — QueryFlows,
// StreamEvents, GetStatus — over plain HTTP+JSON and a websocket upgrade
// for the streaming case, plus a sibling gRPC health check endpoint for
// orchestrator liveness/readiness probes. Wire encoding for the core
// three operations is explicitly out of scope, so this package reuses the
// transports the rest of the corpus already demonstrates rather than
// inventing a new one.
package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/podflow/podflow-agent/pkg/eventrecord"
	"github.com/podflow/podflow-agent/pkg/flowagg"
	"github.com/podflow/podflow-agent/pkg/hubblecompat"
	"github.com/podflow/podflow-agent/pkg/podcache"
)

// defaultLimit is QueryFlows' limit when the caller passes 0.
const defaultLimit = 1000

// Server serves the agent's RPC surface.
type Server struct {
	agg      *flowagg.Aggregator
	pods     *podcache.Cache
	nodeName string
	version  string
	start    time.Time

	upgrader websocket.Upgrader

	healthAddr string
	httpSrv    *http.Server
	healthSrv  *grpc.Server
	healthReg  *health.Server
}

// New builds a Server. listenAddr is the HTTP+websocket address (spec
// §6's 0.0.0.0:9090); healthAddr is a sibling address for the gRPC health
// service, since multiplexing HTTP/1.1 and gRPC on one listener needs
// protocol-sniffing machinery nothing in this corpus demonstrates.
func New(agg *flowagg.Aggregator, pods *podcache.Cache, nodeName, version, listenAddr, healthAddr string) *Server {
	s := &Server{
		agg:       agg,
		pods:      pods,
		nodeName:  nodeName,
		version:   version,
		start:     time.Now(),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
		healthReg: health.NewServer(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/flows", s.handleQueryFlows)
	mux.HandleFunc("/api/events/stream", s.handleStreamEvents)
	mux.HandleFunc("/api/status", s.handleStatus)
	s.httpSrv = &http.Server{Addr: listenAddr, Handler: mux}

	s.healthSrv = grpc.NewServer()
	healthpb.RegisterHealthServer(s.healthSrv, s.healthReg)
	s.healthReg.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.healthAddr = healthAddr

	return s
}

// Run starts both listeners and blocks until ctx is cancelled, at which
// point both are shut down cooperatively.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("rpcserver: http listen: %w", err)
			return
		}
		errCh <- nil
	}()

	go func() {
		lis, err := net.Listen("tcp", s.healthAddr)
		if err != nil {
			errCh <- fmt.Errorf("rpcserver: health listen: %w", err)
			return
		}
		if err := s.healthSrv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			errCh <- fmt.Errorf("rpcserver: health serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("rpcserver: http shutdown error: %v", err)
	}
	s.healthSrv.GracefulStop()
	return nil
}

func (s *Server) handleQueryFlows(w http.ResponseWriter, r *http.Request) {
	namespaces := parseSet(r.URL.Query()["namespace"])
	pods := parseSet(r.URL.Query()["pod"])
	limit := defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := parsePositiveInt(l); err == nil && n > 0 {
			limit = n
		}
	}

	snap := s.agg.Snapshot(namespaces)
	if len(pods) > 0 {
		filtered := snap[:0]
		for _, f := range snap {
			if _, ok := pods[f.Key.PodName]; ok {
				filtered = append(filtered, f)
			}
		}
		snap = filtered
	}

	sort.Slice(snap, func(i, j int) bool { return snap[i].Stats.Bytes > snap[j].Stats.Bytes })
	if len(snap) > limit {
		snap = snap[:limit]
	}

	// ?format=hubble renders the same snapshot as Hubble flow.Flow
	// values for existing Hubble-aware tooling; the default format is this
	// agent's own flowDTO shape.
	if r.URL.Query().Get("format") == "hubble" {
		writeJSON(w, hubblecompat.FromSnapshots(snap))
		return
	}

	dtos := make([]flowDTO, 0, len(snap))
	for _, f := range snap {
		dtos = append(dtos, toFlowDTO(f))
	}

	writeJSON(w, dtos)
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	namespaces := parseSet(r.URL.Query()["namespace"])

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("rpcserver: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch, unsubscribe := s.agg.Subscribe()
	defer unsubscribe()

	for ev := range ch {
		if len(namespaces) > 0 {
			if _, ok := namespaces[ev.Key.Namespace]; !ok {
				continue
			}
		}
		if err := conn.WriteJSON(toEventDTO(ev)); err != nil {
			return // client gone; stop streaming to it
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusDTO{
		NodeName:        s.nodeName,
		Version:         s.version,
		Healthy:         true,
		EventsProcessed: s.agg.EventsProcessed(),
		EventsDropped:   s.agg.EventsDropped(),
		PodsTracked:     s.pods.Size(),
		ActiveFlows:     s.agg.ActiveFlows(),
		UptimeSeconds:   int64(time.Since(s.start).Seconds()),
	})
}

type flowDTO struct {
	Namespace   string `json:"namespace"`
	PodName     string `json:"pod_name"`
	SrcIP       string `json:"src_ip"`
	DstIP       string `json:"dst_ip"`
	SrcPort     uint16 `json:"src_port"`
	DstPort     uint16 `json:"dst_port"`
	Protocol    uint8  `json:"protocol"`
	Direction   uint8  `json:"direction"`
	Bytes       uint64 `json:"bytes"`
	Packets     uint64 `json:"packets"`
	FirstSeenNs uint64 `json:"first_seen_ns"`
	LastSeenNs  uint64 `json:"last_seen_ns"`
}

func toFlowDTO(f flowagg.FlowSnapshot) flowDTO {
	return flowDTO{
		Namespace:   f.Key.Namespace,
		PodName:     f.Key.PodName,
		SrcIP:       eventrecord.FormatIPv4(f.Key.SrcIP),
		DstIP:       eventrecord.FormatIPv4(f.Key.DstIP),
		SrcPort:     f.Key.SrcPort,
		DstPort:     f.Key.DstPort,
		Protocol:    f.Key.Protocol,
		Direction:   f.Key.Direction,
		Bytes:       f.Stats.Bytes,
		Packets:     f.Stats.Packets,
		FirstSeenNs: f.Stats.FirstSeenNs,
		LastSeenNs:  f.Stats.LastSeenNs,
	}
}

type eventDTO struct {
	Namespace   string `json:"namespace"`
	PodName     string `json:"pod_name"`
	SrcIP       string `json:"src_ip"`
	DstIP       string `json:"dst_ip"`
	SrcPort     uint16 `json:"src_port"`
	DstPort     uint16 `json:"dst_port"`
	Protocol    uint8  `json:"protocol"`
	Direction   uint8  `json:"direction"`
	PacketLen   uint16 `json:"packet_len"`
	TimestampNs uint64 `json:"timestamp_ns"`
}

func toEventDTO(ev flowagg.EnrichedEvent) eventDTO {
	return eventDTO{
		Namespace:   ev.Key.Namespace,
		PodName:     ev.Key.PodName,
		SrcIP:       eventrecord.FormatIPv4(ev.Event.SrcIP),
		DstIP:       eventrecord.FormatIPv4(ev.Event.DstIP),
		SrcPort:     ev.Event.SrcPort,
		DstPort:     ev.Event.DstPort,
		Protocol:    ev.Event.Protocol,
		Direction:   ev.Event.Direction,
		PacketLen:   ev.Event.PacketLen,
		TimestampNs: ev.Event.TimestampNs,
	}
}

type statusDTO struct {
	NodeName        string `json:"node_name"`
	Version         string `json:"version"`
	Healthy         bool   `json:"healthy"`
	EventsProcessed uint64 `json:"events_processed"`
	EventsDropped   uint64 `json:"events_dropped"`
	PodsTracked     int    `json:"pods_tracked"`
	ActiveFlows     int    `json:"active_flows"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

func parseSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
