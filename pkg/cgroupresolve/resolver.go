// Package cgroupresolve maps pod UID + container ID to a cgroup v2 inode by
// probing the well-known kubepods cgroup path templates, and supports a
// reverse tree walk for late-arriving metadata.
package cgroupresolve

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// qosClasses are tried in order when probing a path for a pod.
var qosClasses = []string{"", "burstable-", "besteffort-"}

// Resolver probes a host cgroup v2 root for container cgroup inodes.
type Resolver struct {
	cgroupRoot string
}

// New creates a Resolver rooted at cgroupRoot, typically
// "/sys/fs/cgroup".
func New(cgroupRoot string) *Resolver {
	return &Resolver{cgroupRoot: cgroupRoot}
}

// trimRuntimePrefix strips a runtime:// style prefix (e.g. "containerd://",
// "docker://") some orchestrator APIs attach to container IDs.
func trimRuntimePrefix(containerID string) string {
	if idx := strings.Index(containerID, "://"); idx >= 0 {
		return containerID[idx+3:]
	}
	return containerID
}

// candidatePaths returns every kubepods.slice path this pod/container
// combination might live under, one per QoS class.
func (r *Resolver) candidatePaths(podUID, containerID string) []string {
	uid := strings.ReplaceAll(podUID, "-", "_")
	containerID = trimRuntimePrefix(containerID)

	paths := make([]string, 0, len(qosClasses))
	for _, qos := range qosClasses {
		podSliceDir := fmt.Sprintf("kubepods-%spod%s.slice", qos, uid)
		scope := fmt.Sprintf("cri-containerd-%s.scope", containerID)

		if qos == "" {
			// Guaranteed QoS has no intermediate kubepods-<qos>.slice level.
			paths = append(paths, filepath.Join(r.cgroupRoot, "kubepods.slice", podSliceDir, scope))
			continue
		}

		qosParent := fmt.Sprintf("kubepods-%s.slice", strings.TrimSuffix(qos, "-"))
		paths = append(paths, filepath.Join(r.cgroupRoot, "kubepods.slice", qosParent, podSliceDir, scope))
	}
	return paths
}

// Resolve returns the cgroup inode for (podUID, containerID), or an error
// if none of the QoS-class path variants exist on the host.
func (r *Resolver) Resolve(podUID, containerID string) (uint64, error) {
	for _, path := range r.candidatePaths(podUID, containerID) {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		ino, ok := inodeOf(info)
		if !ok {
			continue
		}
		return ino, nil
	}
	return 0, fmt.Errorf("cgroupresolve: no cgroup path found for pod %s container %s", podUID, containerID)
}

// ContainerRef identifies a container discovered during a tree walk.
type ContainerRef struct {
	CgroupID    uint64
	PodUID      string
	ContainerID string
}

// Walk recursively scans the cgroup tree under <cgroupRoot>/kubepods.slice
// and recovers cgroup-id -> (pod UID, container ID) for every
// cri-containerd-*.scope directory found, by locating an ancestor matching
// *-pod*.slice and converting its underscore-encoded UID back to dashes.
func (r *Resolver) Walk() ([]ContainerRef, error) {
	root := filepath.Join(r.cgroupRoot, "kubepods.slice")
	var refs []ContainerRef

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable subtrees
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, "cri-containerd-") || !strings.HasSuffix(name, ".scope") {
			return nil
		}
		containerID := strings.TrimSuffix(strings.TrimPrefix(name, "cri-containerd-"), ".scope")

		podUID := podUIDFromAncestors(path)
		if podUID == "" {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		ino, ok := inodeOf(info)
		if !ok {
			return nil
		}

		refs = append(refs, ContainerRef{CgroupID: ino, PodUID: podUID, ContainerID: containerID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cgroupresolve: walk failed: %w", err)
	}
	return refs, nil
}

// podUIDFromAncestors walks up path's directory components looking for a
// "*-pod<uid>.slice" segment and returns the UID with underscores restored
// to dashes, e.g. "12345_6789" -> "12345-6789".
func podUIDFromAncestors(path string) string {
	for dir := filepath.Dir(path); dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		base := filepath.Base(dir)
		if uid, ok := extractPodUID(base); ok {
			return uid
		}
		if dir == filepath.Dir(dir) {
			break
		}
	}
	return ""
}

// extractPodUID matches a single path segment of the form
// "kubepods-[<qos>-]pod<uid>.slice" and returns <uid> with underscores
// converted back to dashes.
func extractPodUID(segment string) (string, bool) {
	if !strings.HasSuffix(segment, ".slice") {
		return "", false
	}
	idx := strings.LastIndex(segment, "-pod")
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSuffix(segment[idx+len("-pod"):], ".slice")
	if rest == "" {
		return "", false
	}
	return strings.ReplaceAll(rest, "_", "-"), true
}
