// Command podflow-agent is the per-node observability agent: it loads the
// TC packet classifier, drains its ring buffer, joins events against pod
// metadata from the orchestrator watch stream, aggregates them into
// 5-tuple flows, and serves the RPC surface described in spec §4.7.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/podflow/podflow-agent/internal/config"
	"github.com/podflow/podflow-agent/pkg/cgroupresolve"
	"github.com/podflow/podflow-agent/pkg/classifier"
	"github.com/podflow/podflow-agent/pkg/flowagg"
	"github.com/podflow/podflow-agent/pkg/netdiscover"
	"github.com/podflow/podflow-agent/pkg/orchestrator"
	"github.com/podflow/podflow-agent/pkg/podcache"
	"github.com/podflow/podflow-agent/pkg/poller"
	"github.com/podflow/podflow-agent/pkg/ring"
	"github.com/podflow/podflow-agent/pkg/rpcserver"
)

// version is overridable at build time via -ldflags -X main.version=...,
// the conventional Go substitute for the Rust original's build-time
// version baking (see SPEC_FULL.md §C "Status/version reporting").
var version = "dev"

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	if runtime.GOOS != "linux" {
		log.Fatalf("podflow-agent: unsupported host OS %s (Linux required)", runtime.GOOS)
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("podflow-agent: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("podflow-agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("podflow-agent: received %s, shutting down", sig)
		cancel()
	}()

	iface := cfg.Interface
	if iface == "" {
		discovered, err := netdiscover.Default()
		if err != nil {
			log.Fatalf("podflow-agent: interface discovery: %v", err)
		}
		iface = discovered
		log.Printf("podflow-agent: auto-discovered interface %s", iface)
	}

	pods := podcache.New()
	agg := flowagg.New(pods)
	agg.SetFlowTimeout(cfg.FlowTimeout)

	if cfg.SkipClassifier {
		log.Println("podflow-agent: CI set, skipping classifier load/attach; running without packet capture")
	} else {
		objs, err := classifier.Load(cfg.ClassifierObjectPath)
		if err != nil {
			log.Fatalf("podflow-agent: classifier load failed: %v", err)
		}
		defer objs.Close()

		attached, err := classifier.AttachAll(objs, []string{iface})
		if err != nil {
			log.Fatalf("podflow-agent: classifier attach failed: %v", err)
		}
		defer classifier.DetachAll(attached)

		reader, err := ring.Open(objs.Events)
		if err != nil {
			log.Fatalf("podflow-agent: ring open failed: %v", err)
		}
		defer reader.Close()

		selfPort := listenPort(cfg.ListenAddr)
		p := poller.New(reader, agg, selfPort)
		go func() {
			if err := p.Run(ctx); err != nil {
				log.Printf("podflow-agent: poller exited: %v", err)
			}
		}()
	}
	resolver := cgroupresolve.New(cfg.CgroupRoot)

	clientset, err := orchestrator.NewClientset(cfg.Kubeconfig)
	if err != nil {
		// Degraded mode per §7.2: the agent runs without pod attribution
		// rather than refusing to start.
		log.Printf("podflow-agent: orchestrator unreachable, continuing without pod attribution: %v", err)
	} else {
		watcher := orchestrator.New(clientset, pods, resolver)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Printf("podflow-agent: orchestrator watcher exited: %v", err)
			}
		}()
	}

	go runExpirer(ctx, agg, cfg.ExpireInterval)

	srv := rpcserver.New(agg, pods, cfg.NodeName, version, cfg.ListenAddr, cfg.HealthAddr)
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Printf("podflow-agent: rpc server exited: %v", err)
		}
	}()

	log.Printf("podflow-agent: started node=%s interface=%s listen=%s", cfg.NodeName, iface, cfg.ListenAddr)
	<-ctx.Done()
	log.Println("podflow-agent: shutdown complete")
}

// runExpirer runs the periodic idle-flow sweep (§4.6) until ctx is
// cancelled.
func runExpirer(ctx context.Context, agg *flowagg.Aggregator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := agg.Expire(); n > 0 {
				log.Printf("podflow-agent: expired %d idle flows", n)
			}
		}
	}
}

// listenPort extracts the numeric port from addr for self-traffic
// suppression (§4.7); a malformed address (already rejected by
// Config.Validate) yields 0, which disables suppression rather than
// panicking.
func listenPort(addr string) uint16 {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}
