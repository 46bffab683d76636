package netdiscover

import (
	"os"
	"path/filepath"
	"testing"
)

func withFixture(t *testing.T, routeContents string, bridges []string) {
	t.Helper()
	dir := t.TempDir()

	sysNet := filepath.Join(dir, "class-net")
	if err := os.MkdirAll(sysNet, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, b := range bridges {
		if err := os.Mkdir(filepath.Join(sysNet, b), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	origRoute, origSys := procNetRoute, sysClassNet
	t.Cleanup(func() { procNetRoute, sysClassNet = origRoute, origSys })
	sysClassNet = sysNet

	if routeContents == "" {
		procNetRoute = filepath.Join(dir, "does-not-exist")
		return
	}
	routeFile := filepath.Join(dir, "route")
	if err := os.WriteFile(routeFile, []byte(routeContents), 0o644); err != nil {
		t.Fatal(err)
	}
	procNetRoute = routeFile
}

func TestDefaultUsesDefaultRouteRow(t *testing.T) {
	withFixture(t, "Iface\tDestination\tGateway\nlo\t00000000\t00000000\neth0\t00000000\t0100A8C0\n", nil)

	got, err := Default()
	if err != nil {
		t.Fatalf("Default(): %v", err)
	}
	if got != "eth0" {
		t.Errorf("Default() = %q, want eth0", got)
	}
}

func TestDefaultSkipsNonDefaultRoutes(t *testing.T) {
	withFixture(t, "Iface\tDestination\tGateway\neth0\t0000A8C0\t00000000\n", nil)

	got, err := Default()
	if err != nil {
		t.Fatalf("Default(): %v", err)
	}
	if got != "lo" {
		t.Errorf("Default() = %q, want lo (no usable default route, no bridges)", got)
	}
}

func TestDefaultFallsBackToCni0(t *testing.T) {
	withFixture(t, "", []string{"cni0"})

	got, err := Default()
	if err != nil {
		t.Fatalf("Default(): %v", err)
	}
	if got != "cni0" {
		t.Errorf("Default() = %q, want cni0", got)
	}
}

func TestDefaultFallsBackToBridgePrefixed(t *testing.T) {
	withFixture(t, "", []string{"br-abc123"})

	got, err := Default()
	if err != nil {
		t.Fatalf("Default(): %v", err)
	}
	if got != "br-abc123" {
		t.Errorf("Default() = %q, want br-abc123", got)
	}
}

func TestDefaultFallsBackToLo(t *testing.T) {
	withFixture(t, "", nil)

	got, err := Default()
	if err != nil {
		t.Fatalf("Default(): %v", err)
	}
	if got != "lo" {
		t.Errorf("Default() = %q, want lo", got)
	}
}
