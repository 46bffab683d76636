// Package orchestrator runs the long-lived pod list-watch loop against the
// Kubernetes API and feeds discovered pod/container identity into a
// podcache.Cache. It implements an explicit Start/Watching/Disconnected
// state machine: on stream loss it backs off exponentially and performs a
// full list-and-reapply resync before resuming, so a dropped watch never
// leaves the cache stale.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/podflow/podflow-agent/pkg/cgroupresolve"
	"github.com/podflow/podflow-agent/pkg/eventrecord"
	"github.com/podflow/podflow-agent/pkg/podcache"
)

// NewClientset builds a Kubernetes clientset the same way every client in
// this corpus does: an explicit kubeconfig path, falling back to
// KUBECONFIG, then the default ~/.kube/config location, then in-cluster
// config. The caller decides how to treat a failure here; main logs it and
// runs without pod attribution (classify() makes the same call once the
// watch itself fails).
func NewClientset(kubeconfigPath string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)

	switch {
	case kubeconfigPath != "":
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	case os.Getenv("KUBECONFIG") != "":
		cfg, err = clientcmd.BuildConfigFromFlags("", os.Getenv("KUBECONFIG"))
	default:
		if home := homedir.HomeDir(); home != "" {
			if defaultPath := filepath.Join(home, ".kube", "config"); fileExists(defaultPath) {
				cfg, err = clientcmd.BuildConfigFromFlags("", defaultPath)
				break
			}
		}
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build clientset: %w", err)
	}
	return clientset, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// backoffInitial and backoffCap bound the Disconnected state's exponential
// sleep, doubling from the former up to the latter.
const (
	backoffInitial = 1 * time.Second
	backoffCap     = 30 * time.Second
)

// Watcher drives the pod list-watch loop. The zero value is not usable;
// construct with New.
type Watcher struct {
	clientset kubernetes.Interface
	cache     *podcache.Cache
	resolver  *cgroupresolve.Resolver
}

// New builds a Watcher that populates cache using resolver to turn
// (pod UID, container ID) pairs into cgroup inodes.
func New(clientset kubernetes.Interface, cache *podcache.Cache, resolver *cgroupresolve.Resolver) *Watcher {
	return &Watcher{clientset: clientset, cache: cache, resolver: resolver}
}


// Run drives Start -> Watching -> Disconnected until ctx is cancelled or
// the orchestrator is classified as not-present or unauthorized, at which
// point it logs a warning and returns nil: the rest of the agent continues
// without pod attribution, per the degraded-mode error policy.
func (w *Watcher) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := w.watchOnce(ctx)
		if err == nil {
			return nil // ctx cancelled cleanly mid-watch
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}

		switch classify(err) {
		case classAuth:
			log.Printf("orchestrator: authorization failure, continuing without pod attribution: %v", err)
			return nil
		case classNotPresent:
			log.Printf("orchestrator: API not present, continuing without pod attribution: %v", err)
			return nil
		default:
			delay := backoffDelay(attempt)
			log.Printf("orchestrator: disconnected, retrying in %s: %v", delay, err)
			attempt++
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
	}
}

// backoffDelay returns the Disconnected sleep for the given zero-based
// retry attempt: 1s, 2s, 4s, ... capped at 30s.
func backoffDelay(attempt int) time.Duration {
	d := backoffInitial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// watchOnce performs one full Start->Watching cycle: list all pods
// (InitApply for each, then InitDone), then consume the watch stream
// until it closes or ctx is cancelled. A non-nil error means the stream
// ended abnormally and the caller should classify and possibly retry.
func (w *Watcher) watchOnce(ctx context.Context) error {
	list, err := w.clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list pods: %w", err)
	}
	live := make(map[string]struct{}, len(list.Items))
	for i := range list.Items {
		w.applyPod(&list.Items[i])
		live[string(list.Items[i].UID)] = struct{}{}
	}
	if removed := w.cache.RetainPodUIDs(live); removed > 0 {
		log.Printf("orchestrator: resync purged %d stale entries", removed)
	}
	log.Printf("orchestrator: init done, cache size %d", w.cache.Size())

	watcher, err := w.clientset.CoreV1().Pods("").Watch(ctx, metav1.ListOptions{
		ResourceVersion: list.ResourceVersion,
	})
	if err != nil {
		return fmt.Errorf("watch pods: %w", err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.ResultChan():
			if !ok {
				return errors.New("orchestrator: watch stream closed")
			}
			w.handleEvent(ev)
		}
	}
}

func (w *Watcher) handleEvent(ev watch.Event) {
	pod, ok := ev.Object.(*corev1.Pod)
	if !ok {
		return
	}
	switch ev.Type {
	case watch.Added, watch.Modified:
		w.applyPod(pod)
	case watch.Deleted:
		w.cache.RemoveByPodUID(string(pod.UID))
	}
}

// applyPod inserts every resolvable container's cgroup mapping and, if the
// pod carries an IP, its pod-IP mapping, per §4.5: containers without a
// container ID are skipped, but the pod-IP mapping is inserted regardless
// of whether any container resolved.
func (w *Watcher) applyPod(pod *corev1.Pod) {
	meta := podcache.Metadata{
		Namespace: pod.Namespace,
		PodName:   pod.Name,
		PodUID:    string(pod.UID),
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.ContainerID == "" {
			continue
		}
		cgroupID, err := w.resolver.Resolve(string(pod.UID), cs.ContainerID)
		if err != nil {
			continue // degraded mode per §7: cgroup resolver miss is not fatal
		}
		containerMeta := meta
		containerMeta.ContainerName = cs.Name
		containerMeta.ContainerID = cs.ContainerID
		w.cache.InsertByCgroup(cgroupID, containerMeta)
	}

	if pod.Status.PodIP != "" {
		ip, err := eventrecord.ParseIPv4(pod.Status.PodIP)
		if err == nil {
			ipMeta := meta
			ipMeta.PodIP = ip
			ipMeta.HasPodIP = true
			w.cache.InsertByIP(ip, ipMeta)
		}
	}
}

type errClass int

const (
	classTransient errClass = iota
	classAuth
	classNotPresent
)

func classify(err error) errClass {
	if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
		return classAuth
	}
	if isConnectionRefused(err) {
		return classNotPresent
	}
	return classTransient
}

// isConnectionRefused reports whether err's root cause is ECONNREFUSED,
// the signature of "there is no API server to talk to" (e.g. running off
// a cluster with no kubeconfig reachable) rather than a mid-stream drop.
func isConnectionRefused(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return errors.Is(netErr.Err, syscall.ECONNREFUSED)
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
