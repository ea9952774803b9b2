// internal/app/helpers.go
package app

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// LocalAPIAddr keeps the http api on loopback. It returns the listen
// address and the base URL clients use.
func LocalAPIAddr(cfgAddr string) (listenAddr, baseURL string) {
	a := strings.TrimSpace(cfgAddr)
	switch {
	case strings.HasPrefix(a, ":"):
		a = "127.0.0.1" + a
	case strings.HasPrefix(a, "0.0.0.0:"):
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

// WaitTCP dials addr until it accepts a connection, ctx is done or timeout
// passes.
func WaitTCP(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	for {
		dctx, dcancel := context.WithTimeout(ctx, 200*time.Millisecond)
		c, err := d.DialContext(dctx, "tcp", addr)
		dcancel()
		if err == nil {
			_ = c.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", addr, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func logBanner(peerDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("goopcall participant")
	log.Infof(" peer folder : %s", peerDir)
	log.Infof(" config file : %s", cfgPath)
	log.Info(" one folder is one participant identity")
	log.Info("────────────────────────────────────────")
}
