package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`spiderbutter - small static file server with automatic HTTPS

Usage:
  spiderbutter [serve] [flags]          Serve the routes in ./mappings.sb
  spiderbutter serve --local            Serve every file under the working directory
  spiderbutter serve --secure --domains example.com
                                        Also serve HTTPS and keep a Let's Encrypt
                                        certificate current; plain HTTP redirects
  spiderbutter certs [--state-dir DIR]  Show the stored certificate and recent issuance history
  spiderbutter version                  Print version
  spiderbutter help                     Show this help

Serve flags:
  --port 8000 --tls-port 8001 --secure --staging --domains a,b --email ADDR
  --nocache --local --mappings FILE --state-dir DIR --db FILE --renewal-days 7
  --workers 4 --log-level info --pprof ADDR --config FILE.yaml

Mapping file (mappings.sb):
  # comment
  import other.sb
  /                 => ./public/index.html [text/html]
  "/about us.html"  => "./public/about us.html"

Environment Variables:
  Every serve flag has a SPIDERBUTTER_* variable (SPIDERBUTTER_PORT, SPIDERBUTTER_DOMAINS, ...).
  SPIDERBUTTER_CONFIG      YAML config file
  Values in ./.env are loaded for SPIDERBUTTER_* keys not already set.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("spiderbutter", Version)
}
