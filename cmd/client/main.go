// Command client is a small CLI that talks to a node's admin HTTP
// surface: submit a write, check cluster status, or request a
// graceful shutdown.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8001", "node admin address")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}

	var err error
	switch args[0] {
	case "submit":
		err = submit(client, *addr, args[1:])
	case "cancel":
		err = cancel(client, *addr, args[1:])
	case "status":
		err = status(client, *addr)
	case "shutdown":
		err = shutdown(client, *addr, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("client: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: client -addr http://host:port <command> [args]

commands:
  submit <sql> [consistency]   submit a write, optionally overriding consistency (ASYNC|ONE|QUORUM)
  cancel <id>                  cancel an in-flight command by id
  status                       print the node's current status snapshot
  shutdown [timeoutMs]         begin a graceful shutdown`)
}

func submit(client *http.Client, addr string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("submit requires a SQL body argument")
	}
	url := addr + "/v1/commands"
	if len(args) > 1 {
		url += "?consistency=" + args[1]
	}
	resp, err := client.Post(url, "text/plain", bytes.NewReader([]byte(args[0])))
	if err != nil {
		return err
	}
	return printBody(resp)
}

func cancel(client *http.Client, addr string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("cancel requires a command id argument")
	}
	req, err := http.NewRequest(http.MethodDelete, addr+"/v1/commands/"+args[0], nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	return printBody(resp)
}

func status(client *http.Client, addr string) error {
	resp, err := client.Get(addr + "/v1/status")
	if err != nil {
		return err
	}
	return printBody(resp)
}

func shutdown(client *http.Client, addr string, args []string) error {
	body := map[string]int64{"timeoutMs": 30_000}
	if len(args) > 0 {
		var ms int64
		if _, err := fmt.Sscanf(args[0], "%d", &ms); err != nil {
			return fmt.Errorf("invalid timeoutMs %q: %w", args[0], err)
		}
		body["timeoutMs"] = ms
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(addr+"/v1/shutdown", "application/json", bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	return printBody(resp)
}

func printBody(resp *http.Response) error {
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("%s -> %s\n", resp.Status, out)
	return nil
}
