package classifier

import (
	"fmt"
	"io"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// AttachedInterface holds the two TC attachments (ingress, egress) made to
// a single monitored interface, and detaches both on Close.
type AttachedInterface struct {
	Name    string
	ingress link.Link
	egress  link.Link
}

// Close detaches both hooks from the interface. Errors from either detach
// are joined so the caller can log a full picture, but Close always
// attempts both.
func (a *AttachedInterface) Close() error {
	var errs []error
	if a.ingress != nil {
		if err := a.ingress.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detach ingress on %s: %w", a.Name, err))
		}
	}
	if a.egress != nil {
		if err := a.egress.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detach egress on %s: %w", a.Name, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("classifier: %v", errs)
}

// AttachAll attaches ingress and egress to every interface named in ifaces,
// returning a closer per interface. On any failure, everything already
// attached is detached before the error is returned — the agent does not
// run with a partial attachment set.
func AttachAll(objs *Objects, ifaces []string) ([]*AttachedInterface, error) {
	attached := make([]*AttachedInterface, 0, len(ifaces))

	for _, name := range ifaces {
		a, err := attachOne(objs, name)
		if err != nil {
			detachAll(attached)
			return nil, fmt.Errorf("classifier: attach %s: %w", name, err)
		}
		attached = append(attached, a)
	}
	return attached, nil
}

func attachOne(objs *Objects, ifaceName string) (*AttachedInterface, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %s: %w", ifaceName, err)
	}

	ingress, err := link.AttachTCX(link.TCXOptions{
		Program:   objs.Ingress,
		Attach:    ebpf.AttachTCXIngress,
		Interface: iface.Index,
	})
	if err != nil {
		return nil, fmt.Errorf("attach ingress: %w", err)
	}

	egress, err := link.AttachTCX(link.TCXOptions{
		Program:   objs.Egress,
		Attach:    ebpf.AttachTCXEgress,
		Interface: iface.Index,
	})
	if err != nil {
		ingress.Close()
		return nil, fmt.Errorf("attach egress: %w", err)
	}

	return &AttachedInterface{Name: ifaceName, ingress: ingress, egress: egress}, nil
}

func detachAll(attached []*AttachedInterface) {
	for _, a := range attached {
		_ = a.Close()
	}
}

// DetachAll is a convenience for closing every element of a slice of
// io.Closer-like attachments from the caller's deferred shutdown path.
func DetachAll(attached []*AttachedInterface) error {
	var firstErr error
	for _, a := range attached {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ io.Closer = (*AttachedInterface)(nil)
