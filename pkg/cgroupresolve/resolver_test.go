package cgroupresolve

import "testing"

func TestExtractPodUIDBurstable(t *testing.T) {
	uid, ok := extractPodUID("kubepods-burstable-pod12345_6789.slice")
	if !ok {
		t.Fatal("expected match")
	}
	if uid != "12345-6789" {
		t.Errorf("got %q, want %q", uid, "12345-6789")
	}
}

func TestExtractPodUIDGuaranteed(t *testing.T) {
	uid, ok := extractPodUID("kubepods-pod12345.slice")
	if !ok {
		t.Fatal("expected match")
	}
	if uid != "12345" {
		t.Errorf("got %q, want %q", uid, "12345")
	}
}

func TestExtractPodUIDNoMatch(t *testing.T) {
	for _, segment := range []string{"kubepods.slice", "system.slice", "cri-containerd-abc123.scope"} {
		if _, ok := extractPodUID(segment); ok {
			t.Errorf("extractPodUID(%q) unexpectedly matched", segment)
		}
	}
}

func TestPodUIDFromAncestorsBurstable(t *testing.T) {
	path := "/sys/fs/cgroup/kubepods.slice/kubepods-burstable.slice/kubepods-burstable-pod12345_6789.slice/container.scope"
	if got := podUIDFromAncestors(path); got != "12345-6789" {
		t.Errorf("got %q, want %q", got, "12345-6789")
	}
}

func TestPodUIDFromAncestorsSimple(t *testing.T) {
	path := "/sys/fs/cgroup/kubepods.slice/kubepods-pod12345.slice/container.scope"
	if got := podUIDFromAncestors(path); got != "12345" {
		t.Errorf("got %q, want %q", got, "12345")
	}
}

func TestCandidatePaths(t *testing.T) {
	r := New("/sys/fs/cgroup")
	paths := r.candidatePaths("12345-6789", "runtime://abc123")

	want := []string{
		"/sys/fs/cgroup/kubepods.slice/kubepods-pod12345_6789.slice/cri-containerd-abc123.scope",
		"/sys/fs/cgroup/kubepods.slice/kubepods-burstable.slice/kubepods-burstable-pod12345_6789.slice/cri-containerd-abc123.scope",
		"/sys/fs/cgroup/kubepods.slice/kubepods-besteffort.slice/kubepods-besteffort-pod12345_6789.slice/cri-containerd-abc123.scope",
	}
	if len(paths) != len(want) {
		t.Fatalf("got %d candidate paths, want %d: %v", len(paths), len(want), paths)
	}
	for i, p := range paths {
		if p != want[i] {
			t.Errorf("path[%d] = %q, want %q", i, p, want[i])
		}
	}
}
