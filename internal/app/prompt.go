// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/goopcall/internal/config"
)

// PromptInteractive walks through the settings a new peer usually changes.
// An invalid result falls back to cfg unchanged.
func PromptInteractive(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)
	orig := cfg

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "goopcall interactive setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.ID = askString(in, w, "Identity", cfg.Identity.ID)
	cfg.Viewer.HTTPAddr = askString(in, w, "HTTP api addr (empty=off)", cfg.Viewer.HTTPAddr)

	cfg.Store.Driver = askString(in, w, "Store driver (sqlite/mongo)", cfg.Store.Driver)
	if cfg.Store.Driver == "mongo" {
		cfg.Store.MongoURI = askString(in, w, "Mongo URI", cfg.Store.MongoURI)
	} else {
		cfg.Store.Path = askString(in, w, "SQLite path", cfg.Store.Path)
	}

	cfg.Push.WSServe = askBool(in, w, "Serve push notices to other peers", cfg.Push.WSServe)
	cfg.Push.WSURL = askString(in, w, "Follow push notices from (ws url, empty=off)", cfg.Push.WSURL)
	cfg.Push.PubSubEnabled = askBool(in, w, "Gossip notices over libp2p", cfg.Push.PubSubEnabled)
	if cfg.Push.PubSubEnabled {
		cfg.Push.PubSubPort = askInt(in, w, "Listen port (0=random)", cfg.Push.PubSubPort)
		cfg.Push.MdnsTag = askString(in, w, "mDNS tag", cfg.Push.MdnsTag)
	}

	cfg.Media.Source = askString(in, w, "Media source (synthetic/device)", cfg.Media.Source)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous settings.\n", err)
		return orig
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
