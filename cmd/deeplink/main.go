// This command is only used for local testing: it delivers a callback deep
// link to a running client, as the operating system would when the browser
// is redirected to the app. The link is given as the only argument, usually
// copied from the browser's address bar.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	// ReceiverURL is the deep link base URL of the running client.
	ReceiverURL    string `env:"UTIL_RECEIVER_URL, default=http://127.0.0.1:8090/app"`
	TimeoutSeconds int    `env:"UTIL_TIMEOUT_SECS, default=10"`
}

func main() {
	cfg := Config{}
	err := envconfig.Process(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <callback URL>\n", os.Args[0])
		os.Exit(2)
	}

	target, err := receiverTarget(cfg.ReceiverURL, os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building deep link: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error delivering deep link: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	fmt.Printf("%d %s", resp.StatusCode, body)

	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

// receiverTarget moves the callback's last path segment and query onto the
// receiver base URL: https://app.example.com/callback?code=c becomes
// {receiver}/callback?code=c.
func receiverTarget(receiverURL, callback string) (string, error) {
	base, err := url.Parse(receiverURL)
	if err != nil {
		return "", fmt.Errorf("invalid receiver URL: %w", err)
	}

	link, err := url.Parse(callback)
	if err != nil {
		return "", fmt.Errorf("invalid callback URL: %w", err)
	}

	segment := link.Path[strings.LastIndex(link.Path, "/")+1:]
	if segment != "callback" && segment != "logoutcallback" {
		return "", fmt.Errorf("%q is not a login or logout callback", link.Path)
	}

	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + "/" + segment
	target.RawQuery = link.RawQuery

	return target.String(), nil
}
