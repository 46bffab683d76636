package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/podflow/podflow-agent/pkg/cgroupresolve"
	"github.com/podflow/podflow-agent/pkg/eventrecord"
	"github.com/podflow/podflow-agent/pkg/podcache"
)

func fixtureCgroupRoot(t *testing.T, podUID, containerID string) string {
	t.Helper()
	root := t.TempDir()
	uid := strings.ReplaceAll(podUID, "-", "_")
	dir := filepath.Join(root, "kubepods.slice",
		fmt.Sprintf("kubepods-pod%s.slice", uid),
		fmt.Sprintf("cri-containerd-%s.scope", containerID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return root
}

func testPod(name, ns, uid, containerID, podIP string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, UID: types.UID(uid)},
		Status: corev1.PodStatus{
			PodIP: podIP,
			ContainerStatuses: []corev1.ContainerStatus{
				{Name: "app", ContainerID: "containerd://" + containerID},
			},
		},
	}
}

func TestWatchOnceAppliesExistingPodsOnInit(t *testing.T) {
	const podUID, containerID = "pod-uid-1", "container-1"
	root := fixtureCgroupRoot(t, podUID, containerID)
	resolver := cgroupresolve.New(root)
	cache := podcache.New()

	pod := testPod("web-0", "default", podUID, containerID, "10.0.0.5")
	clientset := fake.NewSimpleClientset(pod)
	w := New(clientset, cache, resolver)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = w.watchOnce(ctx)

	if cache.Size() != 1 {
		t.Fatalf("cache.Size() = %d, want 1", cache.Size())
	}

	wantIP, err := eventrecord.ParseIPv4("10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	meta, ok := cache.GetByIP(wantIP)
	if !ok || meta.PodName != "web-0" || meta.Namespace != "default" {
		t.Fatalf("GetByIP: got %+v, ok=%v", meta, ok)
	}

	ino, err := resolver.Resolve(podUID, containerID)
	if err != nil {
		t.Fatalf("resolver.Resolve: %v", err)
	}
	cgroupMeta, ok := cache.GetByCgroup(ino)
	if !ok || cgroupMeta.ContainerName != "app" {
		t.Fatalf("GetByCgroup: got %+v, ok=%v", cgroupMeta, ok)
	}
}

func TestWatchOnceResyncPurgesPodsDeletedWhileDisconnected(t *testing.T) {
	const stayingUID, stayingContainer = "pod-uid-staying", "container-staying"
	root := fixtureCgroupRoot(t, stayingUID, stayingContainer)
	resolver := cgroupresolve.New(root)
	cache := podcache.New()

	staying := testPod("web-0", "default", stayingUID, stayingContainer, "10.0.0.5")
	clientset := fake.NewSimpleClientset(staying)
	w := New(clientset, cache, resolver)

	// Simulate a pod that was present before the disconnect but is gone by
	// the time the resync lists again: direct cache insertion stands in for
	// state accumulated during an earlier watchOnce call.
	cache.InsertByIP(99, podcache.Metadata{PodUID: "pod-uid-gone", PodName: "gone-0"})
	cache.InsertByCgroup(12345, podcache.Metadata{PodUID: "pod-uid-gone", PodName: "gone-0"})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = w.watchOnce(ctx)

	if _, ok := cache.GetByIP(99); ok {
		t.Error("GetByIP(99): stale pod still present after resync")
	}
	if _, ok := cache.GetByCgroup(12345); ok {
		t.Error("GetByCgroup(12345): stale pod still present after resync")
	}

	wantIP, err := eventrecord.ParseIPv4("10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.GetByIP(wantIP); !ok {
		t.Error("GetByIP: pod present in the list should survive resync")
	}
}

func TestHandleEventDeleteRemovesPod(t *testing.T) {
	cache := podcache.New()
	resolver := cgroupresolve.New(t.TempDir())
	clientset := fake.NewSimpleClientset()
	w := New(clientset, cache, resolver)

	cache.InsertByIP(1, podcache.Metadata{PodUID: "uid-a", PodName: "a"})
	w.handleEvent(watch.Event{
		Type:   watch.Deleted,
		Object: &corev1.Pod{ObjectMeta: metav1.ObjectMeta{UID: types.UID("uid-a")}},
	})

	if cache.Size() != 0 {
		t.Errorf("cache.Size() = %d, want 0 after delete", cache.Size())
	}
}

func TestApplyPodSkipsContainerWithoutID(t *testing.T) {
	cache := podcache.New()
	resolver := cgroupresolve.New(t.TempDir())
	clientset := fake.NewSimpleClientset()
	w := New(clientset, cache, resolver)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "p", Namespace: "ns", UID: types.UID("uid-x")},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{Name: "init", ContainerID: ""}},
		},
	}
	w.applyPod(pod)

	if cache.Size() != 0 {
		t.Errorf("cache.Size() = %d, want 0 (no container ID, no pod IP)", cache.Size())
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(c.attempt); got != c.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}

func TestNewClientsetRejectsMissingKubeconfig(t *testing.T) {
	_, err := NewClientset(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("NewClientset with a nonexistent kubeconfig path: want error, got nil")
	}
}
