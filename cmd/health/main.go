// health is a tiny liveness probe for containers without curl.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/valyala/fasthttp"
)

func main() {
	url := os.Getenv("SCENEDB_HEALTH_URL")
	if url == "" {
		url = "http://127.0.0.1:8080/healthz"
	}
	status, _, err := fasthttp.GetTimeout(nil, url, 3*time.Second)
	if err != nil || status != fasthttp.StatusOK {
		fmt.Fprintf(os.Stderr, "unhealthy: status=%d err=%v\n", status, err)
		os.Exit(1)
	}
	os.Exit(0)
}
