// Command headers-cli is a thin client for headersd's HTTP control
// surface: one subcommand per RPC endpoint, dispatched by argv the way
// node/main.go and cmd/rubin-node/main.go dispatch their own
// action-named subcommands, adapted here from an in-process engine
// call to an HTTP round trip against a running daemon.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "headers-cli:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("headers-cli", flag.ContinueOnError)
	addr := fs.String("addr", "http://127.0.0.1:19211", "headersd RPC base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: headers-cli [-addr URL] <tip|blockcount|block|onactivechain|locator|orphancount|invalidateblock|skippowchecks> [args]")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	action, rest := rest[0], rest[1:]

	switch action {
	case "tip":
		return getJSON(client, *addr+"/tip", nil)
	case "blockcount":
		return getJSON(client, *addr+"/blockcount", nil)
	case "block":
		if len(rest) != 1 {
			return fmt.Errorf("usage: headers-cli block <height>")
		}
		return getJSON(client, *addr+"/block", url.Values{"height": {rest[0]}})
	case "onactivechain":
		if len(rest) != 1 {
			return fmt.Errorf("usage: headers-cli onactivechain <hash>")
		}
		return getJSON(client, *addr+"/onactivechain", url.Values{"hash": {rest[0]}})
	case "locator":
		return getJSON(client, *addr+"/locator", nil)
	case "orphancount":
		return getJSON(client, *addr+"/orphancount", nil)
	case "invalidateblock":
		if len(rest) != 1 {
			return fmt.Errorf("usage: headers-cli invalidateblock <hash>")
		}
		return postJSON(client, *addr+"/invalidateblock", map[string]string{"hash": rest[0]})
	case "skippowchecks":
		if len(rest) != 1 {
			return fmt.Errorf("usage: headers-cli skippowchecks <true|false>")
		}
		return postJSON(client, *addr+"/skippowchecks", map[string]bool{"skip": rest[0] == "true"})
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func getJSON(client *http.Client, rawURL string, query url.Values) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	resp, err := client.Get(u.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postJSON(client *http.Client, rawURL string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(rawURL, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed (%d): %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
