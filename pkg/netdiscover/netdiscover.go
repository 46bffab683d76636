// Package netdiscover finds the interface the classifier should attach to
// when none is given explicitly: the kernel's default route, falling back
// through the usual pod-network bridge names.
package netdiscover

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Overridable in tests; point at a fixture tree instead of the real /proc
// and /sys.
var (
	procNetRoute = "/proc/net/route"
	sysClassNet  = "/sys/class/net"
)

// fallbackNames are tried in order when /proc/net/route yields nothing
// usable. br-* entries (Docker user-defined bridge networks) are matched
// by prefix against sysClassNet, not listed literally.
var fallbackNames = []string{"cni0", "docker0", "cbr0"}

// Default returns the name of the interface to monitor when the operator
// hasn't pinned one: the first default-route interface (destination
// 00000000) that isn't loopback, else the first known pod-network bridge
// present on the host, else "lo" as a last resort so the agent still
// starts.
func Default() (string, error) {
	if name, ok, err := defaultRouteInterface(); err != nil {
		return "", err
	} else if ok {
		return name, nil
	}

	for _, name := range fallbackNames {
		if interfaceExists(name) {
			return name, nil
		}
	}

	if name, ok := firstBridgePrefixed(); ok {
		return name, nil
	}

	return "lo", nil
}

// defaultRouteInterface parses /proc/net/route looking for the first row
// whose destination field is all zero and whose interface isn't "lo".
func defaultRouteInterface() (string, bool, error) {
	f, err := os.Open(procNetRoute)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("netdiscover: open %s: %w", procNetRoute, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		if first {
			first = false // header row: Iface Destination Gateway Flags ...
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		iface, dest := fields[0], fields[1]
		if dest == "00000000" && iface != "lo" {
			return iface, true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", false, fmt.Errorf("netdiscover: scan %s: %w", procNetRoute, err)
	}
	return "", false, nil
}

func interfaceExists(name string) bool {
	_, err := os.Stat(sysClassNet + "/" + name)
	return err == nil
}

func firstBridgePrefixed() (string, bool) {
	entries, err := os.ReadDir(sysClassNet)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "br-") {
			return e.Name(), true
		}
	}
	return "", false
}
